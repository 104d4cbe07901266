package models

import (
	"fmt"
	"time"
)

// RotationStateENUMType key rotation engine state ENUM
type RotationStateENUMType string

const (
	// RotationStateIdle no rotation in flight
	RotationStateIdle RotationStateENUMType = "IDLE"
	// RotationStateRotating a new key is being minted
	RotationStateRotating RotationStateENUMType = "ROTATING"
	// RotationStateMigrating existing records are being re-encrypted
	RotationStateMigrating RotationStateENUMType = "MIGRATING"
	// RotationStateCompleted rotation and migration finished cleanly
	RotationStateCompleted RotationStateENUMType = "COMPLETED"
	// RotationStateCompletedWithErrors rotation finished but some records
	// failed to migrate
	RotationStateCompletedWithErrors RotationStateENUMType = "COMPLETED_WITH_ERRORS"
	// RotationStateFailed rotation aborted before migration could run
	RotationStateFailed RotationStateENUMType = "FAILED"
)

// ValidateRotationTransition verify the rotation state machine can move from
// one state to another
func ValidateRotationTransition(current, next RotationStateENUMType) error {
	statesWithTransitions := map[RotationStateENUMType]map[RotationStateENUMType]bool{
		RotationStateIdle: {
			RotationStateIdle:     true,
			RotationStateRotating: true,
		},
		RotationStateRotating: {
			RotationStateMigrating: true,
			RotationStateFailed:    true,
		},
		RotationStateMigrating: {
			RotationStateCompleted:           true,
			RotationStateCompletedWithErrors: true,
		},
		RotationStateCompleted: {
			RotationStateIdle: true,
		},
		RotationStateCompletedWithErrors: {
			RotationStateIdle: true,
		},
		RotationStateFailed: {
			RotationStateIdle: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[current]
	if !ok {
		return fmt.Errorf("rotation can't transition out of state '%s'", current)
	}

	if _, ok := availableNextStates[next]; !ok {
		return fmt.Errorf("rotation can't transition from '%s' to '%s'", current, next)
	}

	return nil
}

// RotationSchedule key rotation scheduling parameters
//
// Persisted as a singleton entry; its ID must always be rotation-schedule.
type RotationSchedule struct {
	// ID schedule entry ID. It must always be rotation-schedule
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=rotation-schedule"`

	// RotationIntervalDays days between scheduled rotations
	RotationIntervalDays int `json:"rotation_interval_days" gorm:"column:rotation_interval_days;not null" validate:"required,gt=0"`

	// NextRotationDate when the next rotation is due
	NextRotationDate time.Time `json:"next_rotation_date" gorm:"column:next_rotation_date"`

	// LastRotationDate when a rotation last completed
	LastRotationDate *time.Time `json:"last_rotation_date,omitempty" gorm:"column:last_rotation_date;default:null"`

	// RotationCount how many rotations have completed
	RotationCount int `json:"rotation_count" gorm:"column:rotation_count"`

	// AutoRotationEnabled whether overdue rotations trigger automatically
	AutoRotationEnabled bool `json:"auto_rotation_enabled" gorm:"column:auto_rotation_enabled"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// Overdue whether a rotation is due at the given moment
func (s *RotationSchedule) Overdue(now time.Time) bool {
	return s.AutoRotationEnabled && !now.Before(s.NextRotationDate)
}

// MigrationError one record or field which failed to migrate to the new key
type MigrationError struct {
	// Collection the logical table holding the record
	Collection string `json:"collection"`
	// RecordID the record which failed
	RecordID string `json:"record_id"`
	// FieldName the field which failed, when the failure is field scoped
	FieldName string `json:"field_name,omitempty"`
	// Reason why the migration failed
	Reason string `json:"reason"`
	// Timestamp when the failure occurred
	Timestamp time.Time `json:"timestamp"`
}

// MigrationProgress running statistics of one re-encryption migration.
// Counters only ever increase for the lifetime of the migration.
type MigrationProgress struct {
	// TotalRecords records known at migration start
	TotalRecords int64 `json:"total_records"`
	// MigratedRecords records fully re-encrypted under the new key
	MigratedRecords int64 `json:"migrated_records"`
	// FailedRecords records with at least one failed field
	FailedRecords int64 `json:"failed_records"`
	// CurrentCollection the collection being walked
	CurrentCollection string `json:"current_collection,omitempty"`
	// StartTime when the migration started
	StartTime time.Time `json:"start_time"`
	// EstimatedCompletion projected completion timestamp
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
	// Errors ordered list of migration failures
	Errors []MigrationError `json:"errors,omitempty"`
}

// RotationResult outcome of one key rotation request
type RotationResult struct {
	// OldKeyID the active key before rotation
	OldKeyID string `json:"old_key_id"`
	// NewKeyID the active key after rotation
	NewKeyID string `json:"new_key_id"`
	// State terminal rotation state
	State RotationStateENUMType `json:"state" validate:"required,rotation_state"`
	// Progress the migration statistics
	Progress MigrationProgress `json:"progress"`
	// StartedAt when the rotation started
	StartedAt time.Time `json:"started_at"`
	// Duration how long the rotation took
	Duration time.Duration `json:"duration"`
}

// MigrationEstimate planning aid describing the expected migration workload
type MigrationEstimate struct {
	// EstimatedRecords records which would be visited
	EstimatedRecords int64 `json:"estimated_records"`
	// EstimatedTime projected wall clock duration
	EstimatedTime time.Duration `json:"estimated_time"`
	// CollectionsAffected collections holding configured encrypted fields
	CollectionsAffected []string `json:"collections_affected"`
}

// IntegrityReport outcome of a post-migration spot check
type IntegrityReport struct {
	// TotalSampled records sampled
	TotalSampled int `json:"total_sampled"`
	// ValidRecords records whose encrypted fields all decrypt cleanly
	ValidRecords int `json:"valid_records"`
	// InvalidRecords records with at least one undecryptable field
	InvalidRecords int `json:"invalid_records"`
	// Errors descriptions of the failures found
	Errors []string `json:"errors,omitempty"`
}
