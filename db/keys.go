package db

import (
	"context"
	"fmt"

	"github.com/emberplan/fieldvault/models"
)

/*
RecordFieldKey record metadata of a new field encryption key

	@param ctx context.Context - execution context
	@param key models.FieldKey - key metadata
	@returns the key metadata entry
*/
func (d *databaseImpl) RecordFieldKey(
	_ context.Context, key models.FieldKey,
) (models.FieldKey, error) {
	newEntry := FieldKeyDBEntry{FieldKey: key}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.FieldKey{}, fmt.Errorf("new field key entry is invalid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.FieldKey{}, fmt.Errorf("new field key entry insert failed [%w]", tmp.Error)
	}

	// Record this event
	if _, err := d.recordSystemEvent(
		models.SystemEventTypeNewFieldKey,
		models.SystemEventFieldKeyRelated{KeyID: newEntry.ID},
	); err != nil {
		return models.FieldKey{}, fmt.Errorf(
			"failed to log add new field key audit event [%w]", err,
		)
	}

	return newEntry.FieldKey, nil
}

// getFieldKey fetch one field key metadata entry
func (d *databaseImpl) getFieldKey(keyID string) (FieldKeyDBEntry, error) {
	var entry FieldKeyDBEntry
	err := d.db.Where("id = ?", keyID).First(&entry).Error
	return entry, err
}

/*
GetFieldKey fetch metadata of one field key

	@param ctx context.Context - execution context
	@param keyID string - the field key ID
	@return key metadata entry
*/
func (d *databaseImpl) GetFieldKey(_ context.Context, keyID string) (models.FieldKey, error) {
	entry, err := d.getFieldKey(keyID)
	if err != nil {
		return models.FieldKey{}, fmt.Errorf("failed to fetch field key %s [%w]", keyID, err)
	}
	return entry.FieldKey, nil
}

/*
ListFieldKeys list field key metadata entries

	@param ctx context.Context - execution context
	@param filters FieldKeyQueryFilter - entry listing filter
	@return list of key metadata entries
*/
func (d *databaseImpl) ListFieldKeys(
	_ context.Context, filters FieldKeyQueryFilter,
) ([]models.FieldKey, error) {
	query := d.db.Model(&FieldKeyDBEntry{})

	if len(filters.TargetState) > 0 {
		query = query.Where("state in ?", filters.TargetState)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("created_at desc")

	var entries []FieldKeyDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list field keys [%w]", tmp.Error)
	}

	result := []models.FieldKey{}
	for _, entry := range entries {
		result = append(result, entry.FieldKey)
	}

	return result, nil
}

// updateFieldKeyState update the field key metadata entry state
func (d *databaseImpl) updateFieldKeyState(
	keyID string, newState models.FieldKeyStateENUMType,
) error {
	entry, err := d.getFieldKey(keyID)
	if err != nil {
		return fmt.Errorf("failed to fetch field key %s [%w]", keyID, err)
	}

	if entry.State == newState {
		// NOOP
		return nil
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("field key state change to %s not allowed [%w]", newState, err)
	}

	entry.State = newState
	if tmp := d.db.Updates(&entry); tmp.Error != nil {
		return fmt.Errorf("field key state change update failed [%w]", tmp.Error)
	}

	// record this event
	var systemEventType models.SystemEventTypeENUMType
	switch newState {
	case models.FieldKeyStateActive:
		systemEventType = models.SystemEventTypeActivateFieldKey
	case models.FieldKeyStateRetired:
		systemEventType = models.SystemEventTypeRetireFieldKey
	}

	if _, err := d.recordSystemEvent(
		systemEventType, models.SystemEventFieldKeyRelated{KeyID: keyID},
	); err != nil {
		return fmt.Errorf(
			"failed to log field key state change audit event [%w]", err,
		)
	}

	return nil
}

/*
MarkFieldKeyActive mark field key as active

	@param ctx context.Context - execution context
	@param keyID string - the field key ID
*/
func (d *databaseImpl) MarkFieldKeyActive(_ context.Context, keyID string) error {
	return d.updateFieldKeyState(keyID, models.FieldKeyStateActive)
}

/*
MarkFieldKeyRetired mark field key as retired

	@param ctx context.Context - execution context
	@param keyID string - the field key ID
*/
func (d *databaseImpl) MarkFieldKeyRetired(_ context.Context, keyID string) error {
	return d.updateFieldKeyState(keyID, models.FieldKeyStateRetired)
}
