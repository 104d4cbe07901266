// Package encryption - key lifecycle and cryptographic operations engine
package encryption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/keystore"
	"github.com/emberplan/fieldvault/models"
	"github.com/go-playground/validator/v10"
)

// DefaultRotationInterval key validity period used unless configured
const DefaultRotationInterval = time.Hour * 24 * 90

/*
KeyManager owns the field encryption keys and all operations bound to them.

It is solely responsible for the key lifecycle: key material lives exclusively
in the secure key store, queryable metadata is mirrored to the persistence
layer, and plaintext key material never leaves this component. The rest of the
system performs encryption and decryption through the key-bound operations
here rather than touching key material directly.
*/
type KeyManager interface {
	/*
		GenerateNewKey mint a new field encryption key and make it active

		The key material is derived from the password via PBKDF2 with a fresh
		random salt when a password is given, otherwise randomly generated. The
		previously active key is retired but retained for decryption.

			@param ctx context.Context - execution context
			@param password string - optional derivation password
			@returns the key metadata
	*/
	GenerateNewKey(ctx context.Context, password string) (models.FieldKey, error)

	/*
		GetKey fetch metadata of one key

			@param ctx context.Context - execution context
			@param keyID string - the key ID
			@return key metadata, or ErrKeyNotFound
	*/
	GetKey(ctx context.Context, keyID string) (models.FieldKey, error)

	/*
		GetCurrentKeyID fetch the active key ID, generating a first key if none
		exists yet

			@param ctx context.Context - execution context
			@return the active key ID
	*/
	GetCurrentKeyID(ctx context.Context) (string, error)

	/*
		ListKeys list key metadata entries

			@param ctx context.Context - execution context
			@param filters db.FieldKeyQueryFilter - entry listing filter
			@return list of key metadata entries
	*/
	ListKeys(ctx context.Context, filters db.FieldKeyQueryFilter) ([]models.FieldKey, error)

	/*
		RetireKey mark a non-active key as retired

		Retired keys still decrypt data not yet migrated to the active key.

			@param ctx context.Context - execution context
			@param keyID string - the key ID
	*/
	RetireKey(ctx context.Context, keyID string) error

	/*
		EncryptWithKey authenticated encryption under one active key

			@param ctx context.Context - execution context
			@param keyID string - the key ID, which must be active
			@param plainText []byte - the plaintext to encrypt
			@return the encryption result referencing the key
	*/
	EncryptWithKey(
		ctx context.Context, keyID string, plainText []byte,
	) (models.EncryptionResult, error)

	/*
		DecryptWithKey authenticated decryption under the key the result references

		Works for active and retired keys.

			@param ctx context.Context - execution context
			@param encrypted models.EncryptionResult - the ciphertext to decrypt
			@return the plaintext
	*/
	DecryptWithKey(ctx context.Context, encrypted models.EncryptionResult) ([]byte, error)
}

// keyManager implements KeyManager
type keyManager struct {
	goutils.Component

	store       keystore.SecureStore
	persistence db.Client
	validator   *validator.Validate

	cipher Cipher

	rotationInterval time.Duration
	iterations       int

	keyCacheLock *sync.RWMutex
	keyMaterial  map[string][]byte

	bootstrapLock *sync.Mutex
}

// KeyManagerParams key manager init parameters
type KeyManagerParams struct {
	// Store secure key store holding all key material
	Store keystore.SecureStore `validate:"required"`
	// Persistence persistence layer client for the metadata mirror
	Persistence db.Client `validate:"required"`
	// RotationInterval key validity period; DefaultRotationInterval when unset
	RotationInterval time.Duration `validate:"gte=0"`
	// PBKDF2Iterations derivation iteration count; DefaultPBKDF2Iterations when unset
	PBKDF2Iterations int `validate:"gte=0"`
}

/*
NewKeyManager define new key manager

	@param ctx context.Context - execution context
	@param params KeyManagerParams - manager parameters
	@returns manager instance
*/
func NewKeyManager(ctx context.Context, params KeyManagerParams) (KeyManager, error) {
	logTags := log.Fields{"module": "encryption", "component": "key-manager"}

	instance := &keyManager{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store:            params.Store,
		persistence:      params.Persistence,
		validator:        validator.New(),
		cipher:           NewCipher(),
		rotationInterval: params.RotationInterval,
		iterations:       params.PBKDF2Iterations,
		keyCacheLock:     &sync.RWMutex{},
		keyMaterial:      make(map[string][]byte),
		bootstrapLock:    &sync.Mutex{},
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid key manager init parameters [%w]", err)
	}

	if instance.rotationInterval == 0 {
		instance.rotationInterval = DefaultRotationInterval
	}
	if instance.iterations == 0 {
		instance.iterations = DefaultPBKDF2Iterations
	}

	return instance, nil
}
