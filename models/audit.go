package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeNewFieldKey new field encryption key is being added
	SystemEventTypeNewFieldKey SystemEventTypeENUMType = "ADD_NEW_FIELD_KEY"

	// SystemEventTypeActivateFieldKey field key is being activated
	SystemEventTypeActivateFieldKey SystemEventTypeENUMType = "ACTIVATE_FIELD_KEY"

	// SystemEventTypeRetireFieldKey field key is being retired
	SystemEventTypeRetireFieldKey SystemEventTypeENUMType = "RETIRE_FIELD_KEY"

	// SystemEventTypeRotationStarted key rotation started
	SystemEventTypeRotationStarted SystemEventTypeENUMType = "KEY_ROTATION_STARTED"

	// SystemEventTypeRotationCompleted key rotation completed
	SystemEventTypeRotationCompleted SystemEventTypeENUMType = "KEY_ROTATION_COMPLETED"

	// SystemEventTypeRotationFailed key rotation failed before migration
	SystemEventTypeRotationFailed SystemEventTypeENUMType = "KEY_ROTATION_FAILED"

	// SystemEventTypeAddProtectedRecord new protected record is being added
	SystemEventTypeAddProtectedRecord SystemEventTypeENUMType = "ADD_PROTECTED_RECORD"

	// SystemEventTypeDeleteProtectedRecord protected record is deleted
	SystemEventTypeDeleteProtectedRecord SystemEventTypeENUMType = "DELETE_PROTECTED_RECORD"
)

// SystemEventAudit recording of events occurring at the system level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	// Field key related system audit events
	case SystemEventTypeNewFieldKey:
		fallthrough
	case SystemEventTypeActivateFieldKey:
		fallthrough
	case SystemEventTypeRetireFieldKey:
		var parsed SystemEventFieldKeyRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Rotation related system audit events
	case SystemEventTypeRotationStarted:
		fallthrough
	case SystemEventTypeRotationCompleted:
		fallthrough
	case SystemEventTypeRotationFailed:
		var parsed SystemEventRotationRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Protected record related system audit events
	case SystemEventTypeAddProtectedRecord:
		fallthrough
	case SystemEventTypeDeleteProtectedRecord:
		var parsed SystemEventRecordRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SystemEventFieldKeyRelated system event metadata related to a field key
type SystemEventFieldKeyRelated struct {
	// KeyID the field key concerned
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
}

// SystemEventRotationRelated system event metadata related to a key rotation
type SystemEventRotationRelated struct {
	// OldKeyID the active key before rotation
	OldKeyID string `json:"old_key_id,omitempty"`
	// NewKeyID the active key after rotation
	NewKeyID string `json:"new_key_id,omitempty"`
	// MigratedRecords records re-encrypted under the new key
	MigratedRecords int64 `json:"migrated_records"`
	// FailedRecords records which failed migration
	FailedRecords int64 `json:"failed_records"`
}

// SystemEventRecordRelated system event metadata related to a protected record
type SystemEventRecordRelated struct {
	// Collection the logical table holding the record
	Collection string `json:"collection" validate:"required"`
	// RecordID the record ID
	RecordID string `json:"record_id" validate:"required"`
}

// FieldAccessEntry one entry of the field manager's bounded access log
type FieldAccessEntry struct {
	// ID access entry ID
	ID string `json:"id"`
	// FieldName the field accessed
	FieldName string `json:"field_name"`
	// Context the caller context of the access
	Context AccessContext `json:"context"`
	// Timestamp when the access occurred
	Timestamp time.Time `json:"timestamp"`
	// Success whether the operation succeeded
	Success bool `json:"success"`
	// Reason failure reason, when Success is false
	Reason string `json:"reason,omitempty"`
}
