package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/models"
	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// FieldKeyQueryFilter field key metadata query filter conditions
type FieldKeyQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetState the specific states to query for
	TargetState []models.FieldKeyStateENUMType
}

// ProtectedRecordQueryFilter protected record query filter conditions
type ProtectedRecordQueryFilter struct {
	CommonListEntryQueryFilter
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		RecordSystemEvent record a new system event

			@param ctx context.Context - execution context
			@param eventType models.SystemEventTypeENUMType - event type
			@param metadata interface{} - metadata relating to the event
			@return the event entry
	*/
	RecordSystemEvent(
		ctx context.Context, eventType models.SystemEventTypeENUMType, metadata interface{},
	) (models.SystemEventAudit, error)

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	// ------------------------------------------------------------------------------------
	// Rotation schedule

	/*
		GetRotationSchedule fetch the global singleton rotation schedule entry

		If the entry does not exist, a default disabled schedule is initialized.

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetRotationSchedule(ctx context.Context) (models.RotationSchedule, error)

	/*
		UpdateRotationSchedule replace the rotation schedule parameters

			@param ctx context.Context - execution context
			@param schedule models.RotationSchedule - new schedule parameters
	*/
	UpdateRotationSchedule(ctx context.Context, schedule models.RotationSchedule) error

	// ------------------------------------------------------------------------------------
	// Field key metadata

	/*
		RecordFieldKey record metadata of a new field encryption key

			@param ctx context.Context - execution context
			@param key models.FieldKey - key metadata
			@returns the key metadata entry
	*/
	RecordFieldKey(ctx context.Context, key models.FieldKey) (models.FieldKey, error)

	/*
		GetFieldKey fetch metadata of one field key

			@param ctx context.Context - execution context
			@param keyID string - the field key ID
			@return key metadata entry
	*/
	GetFieldKey(ctx context.Context, keyID string) (models.FieldKey, error)

	/*
		ListFieldKeys list field key metadata entries

			@param ctx context.Context - execution context
			@param filters FieldKeyQueryFilter - entry listing filter
			@return list of key metadata entries
	*/
	ListFieldKeys(ctx context.Context, filters FieldKeyQueryFilter) ([]models.FieldKey, error)

	/*
		MarkFieldKeyActive mark field key as active

			@param ctx context.Context - execution context
			@param keyID string - the field key ID
	*/
	MarkFieldKeyActive(ctx context.Context, keyID string) error

	/*
		MarkFieldKeyRetired mark field key as retired

			@param ctx context.Context - execution context
			@param keyID string - the field key ID
	*/
	MarkFieldKeyRetired(ctx context.Context, keyID string) error

	// ------------------------------------------------------------------------------------
	// Protected records

	/*
		UpsertProtectedRecord insert or replace one protected record

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param recordID string - record ID
			@param fields datatypes.JSON - serialized record attribute map
			@returns the record entry
	*/
	UpsertProtectedRecord(
		ctx context.Context, collection string, recordID string, fields datatypes.JSON,
	) (models.ProtectedRecord, error)

	/*
		GetProtectedRecord fetch one protected record

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param recordID string - record ID
			@returns the record entry
	*/
	GetProtectedRecord(
		ctx context.Context, collection string, recordID string,
	) (models.ProtectedRecord, error)

	/*
		ListCollections list the distinct collections with stored records

			@param ctx context.Context - execution context
			@return collection names
	*/
	ListCollections(ctx context.Context) ([]string, error)

	/*
		CountProtectedRecords count records within one collection

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@return record count
	*/
	CountProtectedRecords(ctx context.Context, collection string) (int64, error)

	/*
		ListProtectedRecords list records within one collection

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param filters ProtectedRecordQueryFilter - entry listing filter
			@return list of records
	*/
	ListProtectedRecords(
		ctx context.Context, collection string, filters ProtectedRecordQueryFilter,
	) ([]models.ProtectedRecord, error)

	/*
		DeleteProtectedRecord delete one protected record

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param recordID string - record ID
	*/
	DeleteProtectedRecord(ctx context.Context, collection string, recordID string) error
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "fieldvault", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}
