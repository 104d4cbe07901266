package db

import (
	"context"

	"gorm.io/gorm"
)

// DefineTables prepare a database with the tables of this module.
//
// Production deployments manage schema through Atlas (see utils/atlas-migrate);
// this helper covers unit-testing and embedded sqlite installs.
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		SystemEventAuditDBEntry{},
		RotationScheduleDBEntry{},
		FieldKeyDBEntry{},
		ProtectedRecordDBEntry{},
	)
}
