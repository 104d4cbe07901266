package db

import "github.com/emberplan/fieldvault/models"

// --------------------------------------------------------------------------------------
// System audit events

// SystemEventAuditDBEntry system audit event DB entry
type SystemEventAuditDBEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (SystemEventAuditDBEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// Rotation schedule

// RotationScheduleDBEntry rotation schedule DB entry
type RotationScheduleDBEntry struct {
	models.RotationSchedule
}

// TableName hard code table name
func (RotationScheduleDBEntry) TableName() string {
	return "rotation_schedule"
}

// --------------------------------------------------------------------------------------
// Field key metadata

// FieldKeyDBEntry field key metadata DB entry
//
// Only metadata lives here. Key material goes through the secure key store.
type FieldKeyDBEntry struct {
	models.FieldKey
}

// TableName hard code table name
func (FieldKeyDBEntry) TableName() string {
	return "field_keys"
}

// --------------------------------------------------------------------------------------
// Protected records

// ProtectedRecordDBEntry application record DB entry
type ProtectedRecordDBEntry struct {
	models.ProtectedRecord
}

// TableName hard code table name
func (ProtectedRecordDBEntry) TableName() string {
	return "protected_records"
}
