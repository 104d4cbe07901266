package db_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/models"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
	"gorm.io/gorm/logger"
)

func TestDBProtectedRecordCRUD(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	fields0 := datatypes.JSON([]byte(`{"accountNumber":"one"}`))
	fields1 := datatypes.JSON([]byte(`{"accountNumber":"two"}`))

	// Insert a record
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				entry, err := dbClient.UpsertProtectedRecord(
					ctx, "financial_accounts", "acc_1", fields0,
				)
				assert.Nil(err)
				assert.Equal("acc_1", entry.ID)
				assert.Equal("financial_accounts", entry.Collection)
				return err
			},
		),
	)

	// Read it back
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				entry, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "acc_1")
				assert.Nil(err)
				assert.JSONEq(string(fields0), string(entry.Fields))
				return err
			},
		),
	)

	// Replace its attributes
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.UpsertProtectedRecord(
					ctx, "financial_accounts", "acc_1", fields1,
				)
				return err
			},
		),
	)
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				entry, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "acc_1")
				assert.Nil(err)
				assert.JSONEq(string(fields1), string(entry.Fields))
				return err
			},
		),
	)

	// The add event was recorded once, not per upsert
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
					EventTypes: []models.SystemEventTypeENUMType{
						models.SystemEventTypeAddProtectedRecord,
					},
				})
				assert.Nil(err)
				assert.Len(events, 1)
				return err
			},
		),
	)

	// Delete the record
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				return dbClient.DeleteProtectedRecord(ctx, "financial_accounts", "acc_1")
			},
		),
	)
	assert.Error(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "acc_1")
				return err
			},
		),
	)

	// Delete of a missing record errors
	assert.Error(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				return dbClient.DeleteProtectedRecord(ctx, "financial_accounts", "acc_1")
			},
		),
	)
}

func TestDBProtectedRecordIdentityPerCollection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	accountFields := datatypes.JSON([]byte(`{"accountNumber":"one"}`))
	taxFields := datatypes.JSON([]byte(`{"taxId":"two"}`))

	// The same record ID in two collections names two distinct records
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				if _, err := dbClient.UpsertProtectedRecord(
					ctx, "financial_accounts", "rec_1", accountFields,
				); err != nil {
					return err
				}
				_, err := dbClient.UpsertProtectedRecord(
					ctx, "tax_profiles", "rec_1", taxFields,
				)
				return err
			},
		),
	)

	// Each collection holds its own attributes
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				entry, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "rec_1")
				assert.Nil(err)
				assert.JSONEq(string(accountFields), string(entry.Fields))
				entry, err = dbClient.GetProtectedRecord(ctx, "tax_profiles", "rec_1")
				assert.Nil(err)
				assert.JSONEq(string(taxFields), string(entry.Fields))
				count, err := dbClient.CountProtectedRecords(ctx, "financial_accounts")
				assert.Nil(err)
				assert.Equal(int64(1), count)
				count, err = dbClient.CountProtectedRecords(ctx, "tax_profiles")
				assert.Nil(err)
				assert.Equal(int64(1), count)
				return err
			},
		),
	)

	// Replacing one leaves the other untouched
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.UpsertProtectedRecord(
					ctx, "tax_profiles", "rec_1", datatypes.JSON([]byte(`{"taxId":"three"}`)),
				)
				return err
			},
		),
	)
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				entry, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "rec_1")
				assert.Nil(err)
				assert.JSONEq(string(accountFields), string(entry.Fields))
				return err
			},
		),
	)

	// Deleting in one collection leaves the other's record in place
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				return dbClient.DeleteProtectedRecord(ctx, "tax_profiles", "rec_1")
			},
		),
	)
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.GetProtectedRecord(ctx, "financial_accounts", "rec_1")
				assert.Nil(err)
				return err
			},
		),
	)
}

func TestDBProtectedRecordEnumeration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	// Populate two collections
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				for idx := 0; idx < 5; idx++ {
					if _, err := dbClient.UpsertProtectedRecord(
						ctx, "financial_accounts", fmt.Sprintf("acc_%d", idx),
						datatypes.JSON([]byte(`{}`)),
					); err != nil {
						return err
					}
				}
				_, err := dbClient.UpsertProtectedRecord(
					ctx, "tax_profiles", "tax_1", datatypes.JSON([]byte(`{}`)),
				)
				return err
			},
		),
	)

	// Distinct collections
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				collections, err := dbClient.ListCollections(ctx)
				assert.Nil(err)
				assert.Equal([]string{"financial_accounts", "tax_profiles"}, collections)
				return err
			},
		),
	)

	// Per-collection counts
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				count, err := dbClient.CountProtectedRecords(ctx, "financial_accounts")
				assert.Nil(err)
				assert.Equal(int64(5), count)
				count, err = dbClient.CountProtectedRecords(ctx, "tax_profiles")
				assert.Nil(err)
				assert.Equal(int64(1), count)
				count, err = dbClient.CountProtectedRecords(ctx, "unknown")
				assert.Nil(err)
				assert.Equal(int64(0), count)
				return err
			},
		),
	)

	// Paged listing, ordered by ID
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				limit := 2
				offset := 2
				entries, err := dbClient.ListProtectedRecords(
					ctx, "financial_accounts", db.ProtectedRecordQueryFilter{
						CommonListEntryQueryFilter: db.CommonListEntryQueryFilter{
							Limit: &limit, Offset: &offset,
						},
					},
				)
				assert.Nil(err)
				assert.Len(entries, 2)
				assert.Equal("acc_2", entries[0].ID)
				assert.Equal("acc_3", entries[1].ID)
				return err
			},
		),
	)
}
