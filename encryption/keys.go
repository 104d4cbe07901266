package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/keystore"
	"github.com/emberplan/fieldvault/models"
	"github.com/google/uuid"
)

// ErrKeyNotFound the referenced key is absent from the secure key store
var ErrKeyNotFound = errors.New("field key not found")

// ErrKeyStoreUnavailable the secure key store could not be reached. Callers
// must propagate this; there is no plaintext fallback.
var ErrKeyStoreUnavailable = errors.New("secure key store unavailable")

// currentKeyPointerItem secure store item holding the active key ID
const currentKeyPointerItem = "fieldvault/current-key"

// keyItemName secure store item name for one key
func keyItemName(keyID string) string {
	return fmt.Sprintf("fieldvault/key/%s", keyID)
}

// storedKey the secure store blob holding one key. This is the only place
// plaintext key material is ever persisted.
type storedKey struct {
	ID        string    `json:"id"`
	Material  []byte    `json:"material"`
	Salt      []byte    `json:"salt"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// asFieldKey convert the stored blob into the metadata model
func (k *storedKey) asFieldKey() models.FieldKey {
	state := models.FieldKeyStateRetired
	if k.Active {
		state = models.FieldKeyStateActive
	}
	return models.FieldKey{
		ID:        k.ID,
		Salt:      k.Salt,
		State:     state,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		UpdatedAt: k.CreatedAt,
	}
}

// writeKeyToCache write key material into cache for use
func (m *keyManager) writeKeyToCache(keyID string, material []byte) {
	m.keyCacheLock.Lock()
	defer m.keyCacheLock.Unlock()
	m.keyMaterial[keyID] = material
}

// getCachedKey helper function to read key material from cache
func (m *keyManager) getCachedKey(keyID string) ([]byte, bool) {
	m.keyCacheLock.RLock()
	defer m.keyCacheLock.RUnlock()
	material, ok := m.keyMaterial[keyID]
	return material, ok
}

// fetchStoredKey read one key blob from the secure store
func (m *keyManager) fetchStoredKey(ctx context.Context, keyID string) (storedKey, error) {
	content, err := m.store.GetItem(ctx, keyItemName(keyID))
	if err != nil {
		if errors.Is(err, keystore.ErrItemNotFound) {
			return storedKey{}, fmt.Errorf("field key %s unknown [%w]", keyID, ErrKeyNotFound)
		}
		return storedKey{}, fmt.Errorf(
			"secure store read for key %s failed (%s) [%w]", keyID, err.Error(), ErrKeyStoreUnavailable,
		)
	}

	var entry storedKey
	if err := json.Unmarshal(content, &entry); err != nil {
		return storedKey{}, fmt.Errorf("stored key %s blob is malformed [%w]", keyID, err)
	}
	return entry, nil
}

// putStoredKey write one key blob to the secure store
func (m *keyManager) putStoredKey(ctx context.Context, entry storedKey) error {
	content, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to serialize key %s blob [%w]", entry.ID, err)
	}
	if err := m.store.SetItem(ctx, keyItemName(entry.ID), content); err != nil {
		return fmt.Errorf(
			"secure store write for key %s failed (%s) [%w]", entry.ID, err.Error(), ErrKeyStoreUnavailable,
		)
	}
	return nil
}

/*
GenerateNewKey mint a new field encryption key and make it active

	@param ctx context.Context - execution context
	@param password string - optional derivation password
	@returns the key metadata
*/
func (m *keyManager) GenerateNewKey(
	ctx context.Context, password string,
) (models.FieldKey, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return models.FieldKey{}, fmt.Errorf("failed to prepare derivation salt [%w]", err)
	}

	var material []byte
	if password != "" {
		material, err = m.cipher.DeriveKey([]byte(password), salt, m.iterations)
		if err != nil {
			return models.FieldKey{}, fmt.Errorf("failed to derive key material [%w]", err)
		}
	} else {
		material, err = GenerateRandomKey()
		if err != nil {
			return models.FieldKey{}, fmt.Errorf("failed to generate key material [%w]", err)
		}
	}

	now := time.Now()
	newEntry := storedKey{
		ID:        uuid.NewString(),
		Material:  material,
		Salt:      salt,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(m.rotationInterval),
	}

	previousKeyID, err := m.readCurrentKeyPointer(ctx)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return models.FieldKey{}, err
	}

	// Retire the previously active key before the new one exists anywhere.
	// A failure on any later step then leaves at most one active key behind.
	if previousKeyID != "" {
		if err := m.retireStoredKey(ctx, previousKeyID); err != nil {
			return models.FieldKey{}, fmt.Errorf(
				"failed to retire previous key %s [%w]", previousKeyID, err,
			)
		}
	}

	// Persist the key material
	if err := m.putStoredKey(ctx, newEntry); err != nil {
		return models.FieldKey{}, err
	}

	// Mirror the metadata
	keyEntry := newEntry.asFieldKey()
	if dbErr := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			_, err := dbClient.RecordFieldKey(dbCtx, keyEntry)
			return err
		},
	); dbErr != nil {
		// Drop the unrecorded blob so the store holds no active key the
		// metadata mirror does not know about
		if delErr := m.store.DeleteItem(ctx, keyItemName(newEntry.ID)); delErr != nil {
			log.WithError(delErr).
				WithFields(m.GetLogTagsForContext(ctx)).
				WithField("key-id", newEntry.ID).
				Error("Unable to drop unrecorded key blob")
		}
		return models.FieldKey{}, fmt.Errorf("failed to record new key metadata [%w]", dbErr)
	}

	// Move the current key pointer
	if err := m.store.SetItem(ctx, currentKeyPointerItem, []byte(newEntry.ID)); err != nil {
		return models.FieldKey{}, fmt.Errorf(
			"secure store write of current key pointer failed (%s) [%w]",
			err.Error(), ErrKeyStoreUnavailable,
		)
	}

	m.writeKeyToCache(newEntry.ID, material)

	return keyEntry, nil
}

// retireStoredKey flip one key blob and its metadata mirror to retired
func (m *keyManager) retireStoredKey(ctx context.Context, keyID string) error {
	entry, err := m.fetchStoredKey(ctx, keyID)
	if err != nil {
		return err
	}

	if !entry.Active {
		// NOOP
		return nil
	}

	entry.Active = false
	if err := m.putStoredKey(ctx, entry); err != nil {
		return err
	}

	if dbErr := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.MarkFieldKeyRetired(dbCtx, keyID)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to mirror key %s retirement [%w]", keyID, dbErr)
	}

	return nil
}

// readCurrentKeyPointer read the active key ID pointer
func (m *keyManager) readCurrentKeyPointer(ctx context.Context) (string, error) {
	content, err := m.store.GetItem(ctx, currentKeyPointerItem)
	if err != nil {
		if errors.Is(err, keystore.ErrItemNotFound) {
			return "", fmt.Errorf("no active key recorded [%w]", ErrKeyNotFound)
		}
		return "", fmt.Errorf(
			"secure store read of current key pointer failed (%s) [%w]",
			err.Error(), ErrKeyStoreUnavailable,
		)
	}
	return string(content), nil
}

/*
GetCurrentKeyID fetch the active key ID, generating a first key if none exists yet

	@param ctx context.Context - execution context
	@return the active key ID
*/
func (m *keyManager) GetCurrentKeyID(ctx context.Context) (string, error) {
	keyID, err := m.readCurrentKeyPointer(ctx)
	if err == nil {
		return keyID, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	// First use; serialize concurrent callers so exactly one key is minted
	m.bootstrapLock.Lock()
	defer m.bootstrapLock.Unlock()

	keyID, err = m.readCurrentKeyPointer(ctx)
	if err == nil {
		return keyID, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	newKey, err := m.GenerateNewKey(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to bootstrap first field key [%w]", err)
	}
	return newKey.ID, nil
}

/*
GetKey fetch metadata of one key

	@param ctx context.Context - execution context
	@param keyID string - the key ID
	@return key metadata, or ErrKeyNotFound
*/
func (m *keyManager) GetKey(ctx context.Context, keyID string) (models.FieldKey, error) {
	entry, err := m.fetchStoredKey(ctx, keyID)
	if err != nil {
		return models.FieldKey{}, err
	}
	return entry.asFieldKey(), nil
}

/*
ListKeys list key metadata entries

	@param ctx context.Context - execution context
	@param filters db.FieldKeyQueryFilter - entry listing filter
	@return list of key metadata entries
*/
func (m *keyManager) ListKeys(
	ctx context.Context, filters db.FieldKeyQueryFilter,
) ([]models.FieldKey, error) {
	var keyEntries []models.FieldKey
	if dbErr := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			keyEntries, err = dbClient.ListFieldKeys(dbCtx, filters)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list field keys [%w]", dbErr)
	}
	return keyEntries, nil
}

/*
RetireKey mark a non-active key as retired

	@param ctx context.Context - execution context
	@param keyID string - the key ID
*/
func (m *keyManager) RetireKey(ctx context.Context, keyID string) error {
	currentKeyID, err := m.readCurrentKeyPointer(ctx)
	if err == nil && currentKeyID == keyID {
		return fmt.Errorf("cannot retire active key %s, rotate first", keyID)
	}
	return m.retireStoredKey(ctx, keyID)
}

// getKeyMaterial core function for fetching key material
func (m *keyManager) getKeyMaterial(ctx context.Context, keyID string) ([]byte, error) {
	if material, cached := m.getCachedKey(keyID); cached {
		return material, nil
	}

	entry, err := m.fetchStoredKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	m.writeKeyToCache(keyID, entry.Material)
	return entry.Material, nil
}

/*
EncryptWithKey authenticated encryption under one active key

	@param ctx context.Context - execution context
	@param keyID string - the key ID, which must be active
	@param plainText []byte - the plaintext to encrypt
	@return the encryption result referencing the key
*/
func (m *keyManager) EncryptWithKey(
	ctx context.Context, keyID string, plainText []byte,
) (models.EncryptionResult, error) {
	entry, err := m.fetchStoredKey(ctx, keyID)
	if err != nil {
		return models.EncryptionResult{}, err
	}

	if !entry.Active {
		return models.EncryptionResult{}, fmt.Errorf(
			"field key %s is not active; new data must use the active key", keyID,
		)
	}

	cipherText, nonce, tag, err := m.cipher.Encrypt(plainText, entry.Material)
	if err != nil {
		return models.EncryptionResult{}, fmt.Errorf("failed to encrypt plaintext [%w]", err)
	}

	m.writeKeyToCache(keyID, entry.Material)

	return models.EncryptionResult{
		Ciphertext: cipherText,
		Nonce:      nonce,
		AuthTag:    tag,
		KeyID:      keyID,
		Timestamp:  time.Now(),
	}, nil
}

/*
DecryptWithKey authenticated decryption under the key the result references

	@param ctx context.Context - execution context
	@param encrypted models.EncryptionResult - the ciphertext to decrypt
	@return the plaintext
*/
func (m *keyManager) DecryptWithKey(
	ctx context.Context, encrypted models.EncryptionResult,
) ([]byte, error) {
	material, err := m.getKeyMaterial(ctx, encrypted.KeyID)
	if err != nil {
		return nil, err
	}

	plainText, err := m.cipher.Decrypt(
		encrypted.Ciphertext, encrypted.Nonce, encrypted.AuthTag, material,
	)
	if err != nil {
		return nil, err
	}

	return plainText, nil
}
