package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func TestDBRotationScheduleInit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	// First read initializes a disabled default
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				assert.Equal(db.GlobalRotationScheduleEntryID, schedule.ID)
				assert.Equal(db.DefaultRotationIntervalDays, schedule.RotationIntervalDays)
				assert.False(schedule.AutoRotationEnabled)
				assert.Nil(schedule.LastRotationDate)
				assert.Equal(0, schedule.RotationCount)
				return err
			},
		),
	)

	// Read again returns the same entry
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				assert.Equal(db.GlobalRotationScheduleEntryID, schedule.ID)
				return err
			},
		),
	)
}

func TestDBRotationScheduleUpdate(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	lastRotation := time.Now().Add(-time.Hour)

	// Update the schedule
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)

				schedule.RotationIntervalDays = 30
				schedule.AutoRotationEnabled = true
				schedule.LastRotationDate = &lastRotation
				schedule.RotationCount = 3
				schedule.NextRotationDate = lastRotation.AddDate(0, 0, 30)

				return dbClient.UpdateRotationSchedule(ctx, schedule)
			},
		),
	)

	// Verify persisted values
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				assert.Equal(30, schedule.RotationIntervalDays)
				assert.True(schedule.AutoRotationEnabled)
				assert.Equal(3, schedule.RotationCount)
				assert.NotNil(schedule.LastRotationDate)
				return err
			},
		),
	)

	// Disabling auto-rotation must persist even though the value is zero
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				schedule.AutoRotationEnabled = false
				return dbClient.UpdateRotationSchedule(ctx, schedule)
			},
		),
	)
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				assert.False(schedule.AutoRotationEnabled)
				return err
			},
		),
	)

	// Invalid interval is rejected
	assert.Error(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				schedule, err := dbClient.GetRotationSchedule(ctx)
				assert.Nil(err)
				schedule.RotationIntervalDays = -1
				return dbClient.UpdateRotationSchedule(ctx, schedule)
			},
		),
	)
}
