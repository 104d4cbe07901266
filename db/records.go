package db

import (
	"context"
	"fmt"

	"github.com/emberplan/fieldvault/models"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

/*
UpsertProtectedRecord insert or replace one protected record

	@param ctx context.Context - execution context
	@param collection string - logical collection name
	@param recordID string - record ID
	@param fields datatypes.JSON - serialized record attribute map
	@returns the record entry
*/
func (d *databaseImpl) UpsertProtectedRecord(
	_ context.Context, collection string, recordID string, fields datatypes.JSON,
) (models.ProtectedRecord, error) {
	_, fetchErr := d.getProtectedRecord(collection, recordID)

	newEntry := ProtectedRecordDBEntry{
		ProtectedRecord: models.ProtectedRecord{
			ID:         recordID,
			Collection: collection,
			Fields:     fields,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.ProtectedRecord{}, fmt.Errorf(
			"record %s/%s is not valid [%w]", collection, recordID, err,
		)
	}

	// Record identity is the {collection, id} pair
	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&newEntry); tmp.Error != nil {
		return models.ProtectedRecord{}, fmt.Errorf(
			"record %s/%s upsert failed [%w]", collection, recordID, tmp.Error,
		)
	}

	// Record this event for first-time inserts only
	if fetchErr != nil {
		if _, err := d.recordSystemEvent(
			models.SystemEventTypeAddProtectedRecord,
			models.SystemEventRecordRelated{Collection: collection, RecordID: recordID},
		); err != nil {
			return models.ProtectedRecord{}, fmt.Errorf(
				"failed to log add record %s/%s audit event [%w]", collection, recordID, err,
			)
		}
	}

	return newEntry.ProtectedRecord, nil
}

// getProtectedRecord find one protected record
func (d *databaseImpl) getProtectedRecord(
	collection string, recordID string,
) (ProtectedRecordDBEntry, error) {
	var entry ProtectedRecordDBEntry
	err := d.db.Where("collection = ?", collection).Where("id = ?", recordID).First(&entry).Error
	return entry, err
}

/*
GetProtectedRecord fetch one protected record

	@param ctx context.Context - execution context
	@param collection string - logical collection name
	@param recordID string - record ID
	@returns the record entry
*/
func (d *databaseImpl) GetProtectedRecord(
	_ context.Context, collection string, recordID string,
) (models.ProtectedRecord, error) {
	entry, err := d.getProtectedRecord(collection, recordID)
	if err != nil {
		return models.ProtectedRecord{}, fmt.Errorf(
			"failed to fetch record %s/%s [%w]", collection, recordID, err,
		)
	}
	return entry.ProtectedRecord, nil
}

/*
ListCollections list the distinct collections with stored records

	@param ctx context.Context - execution context
	@return collection names
*/
func (d *databaseImpl) ListCollections(_ context.Context) ([]string, error) {
	var collections []string
	if tmp := d.db.Model(&ProtectedRecordDBEntry{}).
		Distinct("collection").
		Order("collection").
		Pluck("collection", &collections); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list record collections [%w]", tmp.Error)
	}
	return collections, nil
}

/*
CountProtectedRecords count records within one collection

	@param ctx context.Context - execution context
	@param collection string - logical collection name
	@return record count
*/
func (d *databaseImpl) CountProtectedRecords(
	_ context.Context, collection string,
) (int64, error) {
	var count int64
	if tmp := d.db.Model(&ProtectedRecordDBEntry{}).
		Where("collection = ?", collection).
		Count(&count); tmp.Error != nil {
		return 0, fmt.Errorf("failed to count records in '%s' [%w]", collection, tmp.Error)
	}
	return count, nil
}

/*
ListProtectedRecords list records within one collection

	@param ctx context.Context - execution context
	@param collection string - logical collection name
	@param filters ProtectedRecordQueryFilter - entry listing filter
	@return list of records
*/
func (d *databaseImpl) ListProtectedRecords(
	_ context.Context, collection string, filters ProtectedRecordQueryFilter,
) ([]models.ProtectedRecord, error) {
	query := d.db.Model(&ProtectedRecordDBEntry{}).Where("collection = ?", collection)

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("id")

	var entries []ProtectedRecordDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list records in '%s' [%w]", collection, tmp.Error)
	}

	result := []models.ProtectedRecord{}
	for _, entry := range entries {
		result = append(result, entry.ProtectedRecord)
	}

	return result, nil
}

/*
DeleteProtectedRecord delete one protected record

	@param ctx context.Context - execution context
	@param collection string - logical collection name
	@param recordID string - record ID
*/
func (d *databaseImpl) DeleteProtectedRecord(
	_ context.Context, collection string, recordID string,
) error {
	entry, err := d.getProtectedRecord(collection, recordID)
	if err != nil {
		return fmt.Errorf("failed to fetch record %s/%s [%w]", collection, recordID, err)
	}

	if tmp := d.db.Delete(&entry); tmp.Error != nil {
		return fmt.Errorf("failed to delete record %s/%s [%w]", collection, recordID, tmp.Error)
	}

	// Record this event
	if _, err := d.recordSystemEvent(
		models.SystemEventTypeDeleteProtectedRecord,
		models.SystemEventRecordRelated{Collection: collection, RecordID: recordID},
	); err != nil {
		return fmt.Errorf(
			"failed to log delete record %s/%s audit event [%w]", collection, recordID, err,
		)
	}

	return nil
}
