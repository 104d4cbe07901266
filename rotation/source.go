// Package rotation - key rotation engine and record migration
package rotation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"gorm.io/datatypes"
)

// defaultMigrationBatchSize records fetched per page while walking a collection
const defaultMigrationBatchSize = 100

/*
Source enumerates the records the rotation engine must migrate.

The engine walks whatever the source exposes; installs backed by a different
store plug in their own implementation.
*/
type Source interface {
	/*
		ListCollections list the collections holding records to migrate

			@param ctx context.Context - execution context
			@return collection names
	*/
	ListCollections(ctx context.Context) ([]string, error)

	/*
		CountRecords count records within one collection

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@return record count
	*/
	CountRecords(ctx context.Context, collection string) (int64, error)

	/*
		ForEachRecord visit every record of one collection

		The callback error aborts the walk.

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param handler func - per record callback
	*/
	ForEachRecord(
		ctx context.Context,
		collection string,
		handler func(recordID string, fields map[string]interface{}) error,
	) error

	/*
		UpdateRecord replace the attributes of one record

			@param ctx context.Context - execution context
			@param collection string - logical collection name
			@param recordID string - record ID
			@param fields map[string]interface{} - replacement attributes
	*/
	UpdateRecord(
		ctx context.Context, collection string, recordID string, fields map[string]interface{},
	) error
}

// dbSource implements Source against the protected record tables
type dbSource struct {
	goutils.Component
	persistence db.Client
	batchSize   int
}

/*
NewDatabaseSource define a record source walking the protected record tables

	@param persistence db.Client - persistence layer client
	@returns source instance
*/
func NewDatabaseSource(persistence db.Client) Source {
	return &dbSource{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "rotation", "component": "db-record-source"},
		},
		persistence: persistence,
		batchSize:   defaultMigrationBatchSize,
	}
}

func (s *dbSource) ListCollections(ctx context.Context) ([]string, error) {
	var collections []string
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			collections, err = dbClient.ListCollections(dbCtx)
			return err
		},
	); err != nil {
		return nil, fmt.Errorf("failed to list record collections [%w]", err)
	}
	return collections, nil
}

func (s *dbSource) CountRecords(ctx context.Context, collection string) (int64, error) {
	var count int64
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			count, err = dbClient.CountProtectedRecords(dbCtx, collection)
			return err
		},
	); err != nil {
		return 0, fmt.Errorf("failed to count records of '%s' [%w]", collection, err)
	}
	return count, nil
}

func (s *dbSource) ForEachRecord(
	ctx context.Context,
	collection string,
	handler func(recordID string, fields map[string]interface{}) error,
) error {
	offset := 0
	for {
		limit := s.batchSize
		filters := db.ProtectedRecordQueryFilter{
			CommonListEntryQueryFilter: db.CommonListEntryQueryFilter{
				Limit: &limit, Offset: &offset,
			},
		}

		var page []struct {
			ID     string
			Fields map[string]interface{}
		}
		if err := s.persistence.UseDatabaseInTransaction(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				entries, err := dbClient.ListProtectedRecords(dbCtx, collection, filters)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					var fields map[string]interface{}
					if err := json.Unmarshal(entry.Fields, &fields); err != nil {
						return fmt.Errorf(
							"record '%s/%s' attributes are malformed [%w]",
							collection, entry.ID, err,
						)
					}
					page = append(page, struct {
						ID     string
						Fields map[string]interface{}
					}{ID: entry.ID, Fields: fields})
				}
				return nil
			},
		); err != nil {
			return fmt.Errorf("failed to page records of '%s' [%w]", collection, err)
		}

		for _, record := range page {
			if err := handler(record.ID, record.Fields); err != nil {
				return err
			}
		}

		if len(page) < s.batchSize {
			return nil
		}
		offset += s.batchSize
	}
}

func (s *dbSource) UpdateRecord(
	ctx context.Context, collection string, recordID string, fields map[string]interface{},
) error {
	serialized, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to serialize record '%s/%s' attributes [%w]", collection, recordID, err)
	}

	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpsertProtectedRecord(
				dbCtx, collection, recordID, datatypes.JSON(serialized),
			)
			return err
		},
	); err != nil {
		return fmt.Errorf("failed to update record '%s/%s' [%w]", collection, recordID, err)
	}
	return nil
}
