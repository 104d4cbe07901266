package db

import (
	"context"
	"fmt"
	"time"

	"github.com/emberplan/fieldvault/models"
)

// GlobalRotationScheduleEntryID ID of the singleton rotation schedule entry
const GlobalRotationScheduleEntryID = "rotation-schedule"

// DefaultRotationIntervalDays rotation interval used when initializing a
// schedule entry for the first time
const DefaultRotationIntervalDays = 90

// getRotationScheduleEntry fetch the rotation schedule entry
//
// If the entry does not exist, initialize a disabled default.
func (d *databaseImpl) getRotationScheduleEntry() (RotationScheduleDBEntry, error) {
	var entries []RotationScheduleDBEntry
	dbErr := d.db.Where("id = ?", GlobalRotationScheduleEntryID).Find(&entries).Error
	if dbErr != nil {
		return RotationScheduleDBEntry{}, fmt.Errorf(
			"failed to read rotation schedule table [%w]", dbErr,
		)
	}
	if len(entries) == 0 {
		// Make a new one
		newEntry := RotationScheduleDBEntry{
			RotationSchedule: models.RotationSchedule{
				ID:                   GlobalRotationScheduleEntryID,
				RotationIntervalDays: DefaultRotationIntervalDays,
				NextRotationDate: time.Now().
					AddDate(0, 0, DefaultRotationIntervalDays),
				AutoRotationEnabled: false,
			},
		}
		if dbErr = d.db.Create(&newEntry).Error; dbErr != nil {
			return RotationScheduleDBEntry{}, fmt.Errorf(
				"failed to setup singleton rotation schedule entry [%w]", dbErr,
			)
		}
		return newEntry, nil
	}
	return entries[0], nil
}

/*
GetRotationSchedule fetch the global singleton rotation schedule entry

	@param ctx context.Context - execution context
	@returns the entry
*/
func (d *databaseImpl) GetRotationSchedule(_ context.Context) (models.RotationSchedule, error) {
	entry, err := d.getRotationScheduleEntry()
	if err != nil {
		return entry.RotationSchedule, fmt.Errorf(
			"unable to fetch rotation schedule entry [%w]", err,
		)
	}
	return entry.RotationSchedule, nil
}

/*
UpdateRotationSchedule replace the rotation schedule parameters

	@param ctx context.Context - execution context
	@param schedule models.RotationSchedule - new schedule parameters
*/
func (d *databaseImpl) UpdateRotationSchedule(
	_ context.Context, schedule models.RotationSchedule,
) error {
	entry, err := d.getRotationScheduleEntry()
	if err != nil {
		return fmt.Errorf("unable to fetch rotation schedule entry [%w]", err)
	}

	schedule.ID = GlobalRotationScheduleEntryID
	schedule.CreatedAt = entry.CreatedAt
	entry.RotationSchedule = schedule

	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("updated rotation schedule is not valid [%w]", err)
	}

	// Select forces the write of zero-valued columns such as a disabled
	// auto-rotation flag
	if tmp := d.db.Model(&entry).
		Select("rotation_interval_days", "next_rotation_date", "last_rotation_date",
			"rotation_count", "auto_rotation_enabled").
		Updates(&entry); tmp.Error != nil {
		return fmt.Errorf("rotation schedule update failed [%w]", tmp.Error)
	}

	return nil
}
