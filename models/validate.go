package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	if err := v.RegisterValidation(
		"field_key_state", validateFieldKeyStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"rotation_state", validateRotationStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"access_operation", validateAccessOperationType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_event_type", validateSystemEventType,
	); err != nil {
		return err
	}

	return nil
}

func validateFieldKeyStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch FieldKeyStateENUMType(fl.Field().String()) {
	case FieldKeyStateActive:
		fallthrough
	case FieldKeyStateRetired:
		return true
	}
	return false
}

func validateRotationStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch RotationStateENUMType(fl.Field().String()) {
	case RotationStateIdle:
		fallthrough
	case RotationStateRotating:
		fallthrough
	case RotationStateMigrating:
		fallthrough
	case RotationStateCompleted:
		fallthrough
	case RotationStateCompletedWithErrors:
		fallthrough
	case RotationStateFailed:
		return true
	}
	return false
}

func validateAccessOperationType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch AccessOperationENUMType(fl.Field().String()) {
	case AccessOperationRead:
		fallthrough
	case AccessOperationWrite:
		fallthrough
	case AccessOperationUpdate:
		fallthrough
	case AccessOperationDelete:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeNewFieldKey:
		fallthrough
	case SystemEventTypeActivateFieldKey:
		fallthrough
	case SystemEventTypeRetireFieldKey:
		fallthrough
	case SystemEventTypeRotationStarted:
		fallthrough
	case SystemEventTypeRotationCompleted:
		fallthrough
	case SystemEventTypeRotationFailed:
		fallthrough
	case SystemEventTypeAddProtectedRecord:
		fallthrough
	case SystemEventTypeDeleteProtectedRecord:
		return true
	}
	return false
}
