package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/encryption"
	"github.com/emberplan/fieldvault/fields"
	"github.com/emberplan/fieldvault/models"
	"github.com/go-playground/validator/v10"
)

// ErrRotationInProgress a rotation request arrived while another was in flight
var ErrRotationInProgress = errors.New("a key rotation is already in progress")

// estimatedPerRecordCost fixed per-record migration cost used for planning
const estimatedPerRecordCost = time.Millisecond * 5

/*
Engine drives key rotation and the re-encryption migration which follows.

Only one rotation runs at a time; a request arriving while another rotation is
in flight is rejected immediately with ErrRotationInProgress. Individual
record failures during migration are collected and do not abort the rotation.
*/
type Engine interface {
	/*
		PerformKeyRotation mint a new active key and migrate all records to it

			@param ctx context.Context - execution context
			@param userID string - the user requesting the rotation, if any
			@return the rotation outcome
	*/
	PerformKeyRotation(ctx context.Context, userID string) (models.RotationResult, error)

	/*
		Status fetch the engine state

			@return current rotation state
	*/
	Status() models.RotationStateENUMType

	/*
		Progress fetch the migration statistics of the running or last rotation

			@return migration statistics
	*/
	Progress() models.MigrationProgress

	/*
		EstimateMigrationTime project the workload of a full migration

			@param ctx context.Context - execution context
			@return the migration estimate
	*/
	EstimateMigrationTime(ctx context.Context) (models.MigrationEstimate, error)

	/*
		ValidateMigrationIntegrity spot check stored records decrypt cleanly

		Samples up to sampleSize records across all collections.

			@param ctx context.Context - execution context
			@param sampleSize int - how many records to sample
			@return the integrity report
	*/
	ValidateMigrationIntegrity(ctx context.Context, sampleSize int) (models.IntegrityReport, error)

	/*
		GetSchedule fetch the rotation schedule

			@param ctx context.Context - execution context
			@return the schedule
	*/
	GetSchedule(ctx context.Context) (models.RotationSchedule, error)

	/*
		ConfigureSchedule replace the rotation scheduling parameters

			@param ctx context.Context - execution context
			@param intervalDays int - days between scheduled rotations
			@param autoRotate bool - whether overdue rotations trigger automatically
	*/
	ConfigureSchedule(ctx context.Context, intervalDays int, autoRotate bool) error

	/*
		CheckSchedule run an overdue auto-rotation if one is due

		Meant to run at process start to catch up on rotations missed while the
		process was down.

			@param ctx context.Context - execution context
			@return whether a rotation was triggered
	*/
	CheckSchedule(ctx context.Context) (bool, error)
}

// engineImpl implements Engine
type engineImpl struct {
	goutils.Component

	keys        encryption.KeyManager
	fieldMgr    fields.FieldManager
	records     Source
	persistence db.Client
	validator   *validator.Validate

	stateLock *sync.Mutex
	state     models.RotationStateENUMType
	progress  models.MigrationProgress
}

// EngineParams rotation engine init parameters
type EngineParams struct {
	// Keys the key manager minting and retiring field keys
	Keys encryption.KeyManager `validate:"required"`
	// Fields the field manager performing per field re-encryption
	Fields fields.FieldManager `validate:"required"`
	// Records enumerator of the records to migrate
	Records Source `validate:"required"`
	// Persistence persistence layer client for schedule and audit entries
	Persistence db.Client `validate:"required"`
}

/*
NewEngine define new key rotation engine

	@param ctx context.Context - execution context
	@param params EngineParams - engine parameters
	@returns engine instance
*/
func NewEngine(ctx context.Context, params EngineParams) (Engine, error) {
	logTags := log.Fields{"module": "rotation", "component": "rotation-engine"}

	instance := &engineImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		keys:        params.Keys,
		fieldMgr:    params.Fields,
		records:     params.Records,
		persistence: params.Persistence,
		validator:   validator.New(),
		stateLock:   &sync.Mutex{},
		state:       models.RotationStateIdle,
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid rotation engine init parameters [%w]", err)
	}

	return instance, nil
}

func (e *engineImpl) Status() models.RotationStateENUMType {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state
}

func (e *engineImpl) Progress() models.MigrationProgress {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.progress
}

// transitionTo move the state machine, verifying the transition is legal
func (e *engineImpl) transitionTo(next models.RotationStateENUMType) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if err := models.ValidateRotationTransition(e.state, next); err != nil {
		return err
	}
	e.state = next
	return nil
}

// beginRotation claim the single rotation slot
func (e *engineImpl) beginRotation() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.state != models.RotationStateIdle {
		return ErrRotationInProgress
	}
	e.state = models.RotationStateRotating
	return nil
}

// recordRotationEvent write one rotation lifecycle audit event
func (e *engineImpl) recordRotationEvent(
	ctx context.Context,
	eventType models.SystemEventTypeENUMType,
	metadata models.SystemEventRotationRelated,
) {
	logTags := e.GetLogTagsForContext(ctx)
	if err := e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			_, err := dbClient.RecordSystemEvent(dbCtx, eventType, metadata)
			return err
		},
	); err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("event", eventType).
			Error("Unable to record rotation audit event")
	}
}

func (e *engineImpl) PerformKeyRotation(
	ctx context.Context, userID string,
) (models.RotationResult, error) {
	logTags := e.GetLogTagsForContext(ctx)

	if err := e.beginRotation(); err != nil {
		return models.RotationResult{}, err
	}

	startedAt := time.Now()
	result := models.RotationResult{StartedAt: startedAt}

	// Capture the key identity before rotating
	oldKeyID, err := e.keys.GetCurrentKeyID(ctx)
	if err != nil {
		_ = e.transitionTo(models.RotationStateFailed)
		e.recordRotationEvent(ctx, models.SystemEventTypeRotationFailed,
			models.SystemEventRotationRelated{})
		_ = e.transitionTo(models.RotationStateIdle)
		result.State = models.RotationStateFailed
		result.Duration = time.Since(startedAt)
		return result, fmt.Errorf("unable to resolve active key before rotation [%w]", err)
	}
	result.OldKeyID = oldKeyID

	e.recordRotationEvent(ctx, models.SystemEventTypeRotationStarted,
		models.SystemEventRotationRelated{OldKeyID: oldKeyID})

	// Mint the replacement key. The previous key is retired but retained so
	// records not yet migrated still decrypt.
	newKey, err := e.keys.GenerateNewKey(ctx, "")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Key rotation failed to mint new key")
		_ = e.transitionTo(models.RotationStateFailed)
		e.recordRotationEvent(ctx, models.SystemEventTypeRotationFailed,
			models.SystemEventRotationRelated{OldKeyID: oldKeyID})
		_ = e.transitionTo(models.RotationStateIdle)
		result.State = models.RotationStateFailed
		result.Duration = time.Since(startedAt)
		return result, fmt.Errorf("failed to mint replacement key [%w]", err)
	}
	result.NewKeyID = newKey.ID

	log.WithFields(logTags).
		WithField("old-key-id", oldKeyID).
		WithField("new-key-id", newKey.ID).
		Info("Minted replacement field key, starting record migration")

	if err := e.transitionTo(models.RotationStateMigrating); err != nil {
		return result, err
	}

	progress := e.migrateAllRecords(ctx, newKey.ID, userID)
	result.Progress = progress

	terminal := models.RotationStateCompleted
	if progress.FailedRecords > 0 || len(progress.Errors) > 0 {
		terminal = models.RotationStateCompletedWithErrors
	}
	_ = e.transitionTo(terminal)
	result.State = terminal

	e.recordRotationEvent(ctx, models.SystemEventTypeRotationCompleted,
		models.SystemEventRotationRelated{
			OldKeyID:        oldKeyID,
			NewKeyID:        newKey.ID,
			MigratedRecords: progress.MigratedRecords,
			FailedRecords:   progress.FailedRecords,
		})

	if err := e.advanceSchedule(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to advance rotation schedule")
	}

	_ = e.transitionTo(models.RotationStateIdle)
	result.Duration = time.Since(startedAt)

	log.WithFields(logTags).
		WithField("state", terminal).
		WithField("migrated", progress.MigratedRecords).
		WithField("failed", progress.FailedRecords).
		Info("Key rotation finished")

	return result, nil
}

// migrateAllRecords walk every collection and re-encrypt under the new key
func (e *engineImpl) migrateAllRecords(
	ctx context.Context, newKeyID string, userID string,
) models.MigrationProgress {
	logTags := e.GetLogTagsForContext(ctx)

	progress := models.MigrationProgress{StartTime: time.Now()}

	collections, err := e.records.ListCollections(ctx)
	if err != nil {
		progress.Errors = append(progress.Errors, models.MigrationError{
			Reason:    fmt.Sprintf("unable to enumerate collections: %s", err.Error()),
			Timestamp: time.Now(),
		})
		return progress
	}

	for _, collection := range collections {
		count, err := e.records.CountRecords(ctx, collection)
		if err != nil {
			progress.Errors = append(progress.Errors, models.MigrationError{
				Collection: collection,
				Reason:     fmt.Sprintf("unable to count records: %s", err.Error()),
				Timestamp:  time.Now(),
			})
			continue
		}
		progress.TotalRecords += count
	}

	for _, collection := range collections {
		e.publishProgress(progress, collection)

		walkErr := e.records.ForEachRecord(
			ctx, collection,
			func(recordID string, attributes map[string]interface{}) error {
				failed := e.migrateRecord(ctx, collection, recordID, attributes, newKeyID, userID, &progress)
				if failed {
					progress.FailedRecords++
				} else {
					progress.MigratedRecords++
				}
				e.publishProgress(progress, collection)
				return nil
			},
		)
		if walkErr != nil {
			log.WithError(walkErr).
				WithFields(logTags).
				WithField("collection", collection).
				Error("Record walk aborted during migration")
			progress.Errors = append(progress.Errors, models.MigrationError{
				Collection: collection,
				Reason:     walkErr.Error(),
				Timestamp:  time.Now(),
			})
		}
	}

	return progress
}

// migrateRecord re-encrypt the encrypted fields of one record. Returns
// whether any field failed.
func (e *engineImpl) migrateRecord(
	ctx context.Context,
	collection string,
	recordID string,
	attributes map[string]interface{},
	newKeyID string,
	userID string,
	progress *models.MigrationProgress,
) bool {
	access := models.AccessContext{
		Collection: collection,
		RecordID:   recordID,
		UserID:     userID,
		Operation:  models.AccessOperationUpdate,
	}

	failed := false
	changed := false
	for name, value := range attributes {
		field, isField := models.AsEncryptedField(value)
		if !isField || !field.Encrypted || field.KeyID == newKeyID {
			continue
		}

		migrated, err := e.fieldMgr.MigrateToNewKey(ctx, name, field, newKeyID, access)
		if err != nil {
			// Leave the field under its old key; the old key is retained so
			// the value stays readable
			failed = true
			progress.Errors = append(progress.Errors, models.MigrationError{
				Collection: collection,
				RecordID:   recordID,
				FieldName:  name,
				Reason:     err.Error(),
				Timestamp:  time.Now(),
			})
			continue
		}
		attributes[name] = migrated
		changed = true
	}

	if changed {
		if err := e.records.UpdateRecord(ctx, collection, recordID, attributes); err != nil {
			failed = true
			progress.Errors = append(progress.Errors, models.MigrationError{
				Collection: collection,
				RecordID:   recordID,
				Reason:     err.Error(),
				Timestamp:  time.Now(),
			})
		}
	}

	return failed
}

// publishProgress update the externally visible migration statistics
func (e *engineImpl) publishProgress(progress models.MigrationProgress, collection string) {
	processed := progress.MigratedRecords + progress.FailedRecords
	if processed > 0 && progress.TotalRecords > processed {
		elapsed := time.Since(progress.StartTime)
		perRecord := elapsed / time.Duration(processed)
		remaining := progress.TotalRecords - processed
		progress.EstimatedCompletion = time.Now().Add(perRecord * time.Duration(remaining))
	}
	progress.CurrentCollection = collection

	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.progress = progress
}

// advanceSchedule push the schedule forward after a completed rotation
func (e *engineImpl) advanceSchedule(ctx context.Context) error {
	return e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			schedule, err := dbClient.GetRotationSchedule(dbCtx)
			if err != nil {
				return err
			}

			now := time.Now()
			schedule.LastRotationDate = &now
			schedule.RotationCount++
			schedule.NextRotationDate = now.AddDate(0, 0, schedule.RotationIntervalDays)

			return dbClient.UpdateRotationSchedule(dbCtx, schedule)
		},
	)
}

func (e *engineImpl) EstimateMigrationTime(
	ctx context.Context,
) (models.MigrationEstimate, error) {
	collections, err := e.records.ListCollections(ctx)
	if err != nil {
		return models.MigrationEstimate{}, fmt.Errorf(
			"unable to enumerate collections for estimate [%w]", err,
		)
	}

	estimate := models.MigrationEstimate{CollectionsAffected: collections}
	for _, collection := range collections {
		count, err := e.records.CountRecords(ctx, collection)
		if err != nil {
			return models.MigrationEstimate{}, fmt.Errorf(
				"unable to count records of '%s' for estimate [%w]", collection, err,
			)
		}
		estimate.EstimatedRecords += count
	}
	estimate.EstimatedTime = estimatedPerRecordCost * time.Duration(estimate.EstimatedRecords)

	return estimate, nil
}

func (e *engineImpl) ValidateMigrationIntegrity(
	ctx context.Context, sampleSize int,
) (models.IntegrityReport, error) {
	if sampleSize <= 0 {
		return models.IntegrityReport{}, fmt.Errorf("sample size must be positive")
	}

	collections, err := e.records.ListCollections(ctx)
	if err != nil {
		return models.IntegrityReport{}, fmt.Errorf(
			"unable to enumerate collections for integrity check [%w]", err,
		)
	}

	type sampledRecord struct {
		collection string
		recordID   string
		attributes map[string]interface{}
	}

	// Reservoir sample across all collections so large collections do not
	// crowd out small ones entirely
	var sample []sampledRecord
	seen := 0
	for _, collection := range collections {
		err := e.records.ForEachRecord(
			ctx, collection,
			func(recordID string, attributes map[string]interface{}) error {
				seen++
				entry := sampledRecord{
					collection: collection, recordID: recordID, attributes: attributes,
				}
				if len(sample) < sampleSize {
					sample = append(sample, entry)
					return nil
				}
				if slot := rand.Intn(seen); slot < sampleSize {
					sample[slot] = entry
				}
				return nil
			},
		)
		if err != nil {
			return models.IntegrityReport{}, fmt.Errorf(
				"unable to walk '%s' for integrity check [%w]", collection, err,
			)
		}
	}

	report := models.IntegrityReport{TotalSampled: len(sample)}
	for _, record := range sample {
		valid := true
		for name, value := range record.attributes {
			field, isField := models.AsEncryptedField(value)
			if !isField || !field.Encrypted {
				continue
			}
			ok, err := e.fieldMgr.ValidateFieldIntegrity(ctx, name, field)
			if err != nil {
				return report, fmt.Errorf(
					"integrity check aborted on '%s/%s' [%w]", record.collection, record.recordID, err,
				)
			}
			if !ok {
				valid = false
				report.Errors = append(report.Errors, fmt.Sprintf(
					"record '%s/%s' field '%s' failed authentication",
					record.collection, record.recordID, name,
				))
			}
		}
		if valid {
			report.ValidRecords++
		} else {
			report.InvalidRecords++
		}
	}

	return report, nil
}

func (e *engineImpl) GetSchedule(ctx context.Context) (models.RotationSchedule, error) {
	var schedule models.RotationSchedule
	if err := e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			schedule, err = dbClient.GetRotationSchedule(dbCtx)
			return err
		},
	); err != nil {
		return schedule, fmt.Errorf("unable to fetch rotation schedule [%w]", err)
	}
	return schedule, nil
}

func (e *engineImpl) ConfigureSchedule(
	ctx context.Context, intervalDays int, autoRotate bool,
) error {
	if intervalDays <= 0 {
		return fmt.Errorf("rotation interval must be positive")
	}

	return e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			schedule, err := dbClient.GetRotationSchedule(dbCtx)
			if err != nil {
				return err
			}

			schedule.RotationIntervalDays = intervalDays
			schedule.AutoRotationEnabled = autoRotate

			// Anchor the next run on the last completed rotation when one exists
			anchor := time.Now()
			if schedule.LastRotationDate != nil {
				anchor = *schedule.LastRotationDate
			}
			schedule.NextRotationDate = anchor.AddDate(0, 0, intervalDays)

			return dbClient.UpdateRotationSchedule(dbCtx, schedule)
		},
	)
}

func (e *engineImpl) CheckSchedule(ctx context.Context) (bool, error) {
	logTags := e.GetLogTagsForContext(ctx)

	schedule, err := e.GetSchedule(ctx)
	if err != nil {
		return false, err
	}

	if !schedule.Overdue(time.Now()) {
		return false, nil
	}

	log.WithFields(logTags).
		WithField("next-rotation-date", schedule.NextRotationDate).
		Info("Rotation overdue, starting automatic key rotation")

	if _, err := e.PerformKeyRotation(ctx, ""); err != nil {
		return false, fmt.Errorf("automatic key rotation failed [%w]", err)
	}
	return true, nil
}
