// Package fieldvault - field level encryption and key lifecycle for personal
// finance records
package fieldvault

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/encryption"
	"github.com/emberplan/fieldvault/fields"
	"github.com/emberplan/fieldvault/keystore"
	"github.com/emberplan/fieldvault/models"
	"github.com/emberplan/fieldvault/rotation"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config vault assembly parameters
type Config struct {
	// DBDialector GORM dialector of the metadata and record database
	DBDialector gorm.Dialector
	// DBLogLevel SQL log level
	DBLogLevel logger.LogLevel
	// Store secure key store holding all key material
	Store keystore.SecureStore
	// Policies field encryption policies; fields.DefaultFieldPolicies when empty
	Policies []models.FieldPolicy
	// AccessLogCapacity field access log depth
	AccessLogCapacity int
	// RotationInterval key validity period
	RotationInterval time.Duration
	// PBKDF2Iterations password derivation iteration count
	PBKDF2Iterations int
	// SkipStartupScheduleCheck do not run the overdue rotation check at assembly
	SkipStartupScheduleCheck bool
}

// Vault the assembled field encryption subsystem
type Vault interface {
	// Keys the key manager
	Keys() encryption.KeyManager
	// Fields the field encryption manager
	Fields() fields.FieldManager
	// Rotation the key rotation engine
	Rotation() rotation.Engine
	// Persistence the persistence layer client
	Persistence() db.Client
}

// vaultImpl implements Vault
type vaultImpl struct {
	keys        encryption.KeyManager
	fieldMgr    fields.FieldManager
	engine      rotation.Engine
	persistence db.Client
}

func (v *vaultImpl) Keys() encryption.KeyManager { return v.keys }
func (v *vaultImpl) Fields() fields.FieldManager { return v.fieldMgr }
func (v *vaultImpl) Rotation() rotation.Engine   { return v.engine }
func (v *vaultImpl) Persistence() db.Client      { return v.persistence }

/*
New assemble a vault instance.

Each instance is backed by a SQL database and a secure key store; two
instances sharing both are essentially copies of each other. Assembly prepares
the database tables and, unless disabled, runs the overdue rotation check so
rotations missed while the process was down catch up at startup.

	@param ctx context.Context - execution context
	@param config Config - assembly parameters
	@returns new vault instance
*/
func New(ctx context.Context, config Config) (Vault, error) {
	logTags := log.Fields{"package": "fieldvault", "component": "assembly"}

	if config.Store == nil {
		return nil, fmt.Errorf("a secure key store is required")
	}

	// Prepare persistence
	persistence, err := db.NewConnection(config.DBDialector, config.DBLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}
	if err := persistence.RunSQLInTransaction(
		ctx, func(ctx context.Context, tx *gorm.DB) error {
			return db.DefineTables(ctx, tx)
		},
	); err != nil {
		return nil, fmt.Errorf("failed to prepare database tables [%w]", err)
	}

	// Prepare key manager
	keyMgr, err := encryption.NewKeyManager(ctx, encryption.KeyManagerParams{
		Store:            config.Store,
		Persistence:      persistence,
		RotationInterval: config.RotationInterval,
		PBKDF2Iterations: config.PBKDF2Iterations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized key manager [%w]", err)
	}

	// Prepare field manager
	fieldMgr, err := fields.NewFieldManager(ctx, fields.FieldManagerParams{
		Keys:              keyMgr,
		Policies:          config.Policies,
		AccessLogCapacity: config.AccessLogCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized field manager [%w]", err)
	}

	// Prepare rotation engine
	engine, err := rotation.NewEngine(ctx, rotation.EngineParams{
		Keys:        keyMgr,
		Fields:      fieldMgr,
		Records:     rotation.NewDatabaseSource(persistence),
		Persistence: persistence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized rotation engine [%w]", err)
	}

	if !config.SkipStartupScheduleCheck {
		triggered, err := engine.CheckSchedule(ctx)
		if err != nil {
			return nil, fmt.Errorf("startup rotation check failed [%w]", err)
		}
		if triggered {
			log.WithFields(logTags).Info("Startup rotation check performed a key rotation")
		}
	}

	return &vaultImpl{
		keys: keyMgr, fieldMgr: fieldMgr, engine: engine, persistence: persistence,
	}, nil
}
