package fields_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/db"
	"github.com/emberplan/fieldvault/encryption"
	"github.com/emberplan/fieldvault/fields"
	"github.com/emberplan/fieldvault/keystore"
	"github.com/emberplan/fieldvault/models"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func getTestKeyManager(t *testing.T) encryption.KeyManager {
	assert := assert.New(t)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/fieldvault_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	persistence, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(persistence.RunSQLInTransaction(utCtx, db.DefineTables))

	keyMgr, err := encryption.NewKeyManager(utCtx, encryption.KeyManagerParams{
		Store:            keystore.NewInMemoryStore(),
		Persistence:      persistence,
		PBKDF2Iterations: encryption.MinPBKDF2Iterations,
	})
	assert.Nil(err)

	return keyMgr
}

func testAccess(operation models.AccessOperationENUMType) models.AccessContext {
	return models.AccessContext{
		Collection: "financial_accounts",
		RecordID:   "acc_1",
		UserID:     "user_1",
		Operation:  operation,
	}
}

func TestFieldManagerRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{
		Keys: getTestKeyManager(t),
	})
	assert.Nil(err)

	plainText := "4111-2222-3333-4444"

	field, err := uut.EncryptField(
		utCtx, "accountNumber", plainText, testAccess(models.AccessOperationWrite),
	)
	assert.Nil(err)
	assert.True(field.Encrypted)
	assert.NotEmpty(field.KeyID)
	assert.NotContains(field.Value, plainText)

	outcome := uut.DecryptField(
		utCtx, "accountNumber", field, testAccess(models.AccessOperationRead),
	)
	assert.True(outcome.OK)
	assert.Equal(plainText, outcome.Value)

	recovered := uut.DecryptFieldValue(
		utCtx, "accountNumber", field, testAccess(models.AccessOperationRead),
	)
	assert.Equal(plainText, recovered)
}

func TestFieldManagerPassthrough(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{
		Keys: getTestKeyManager(t),
	})
	assert.Nil(err)

	// Case 0: field without a policy entry passes through unencrypted
	{
		field, err := uut.EncryptField(
			utCtx, "nickname", "Main checking", testAccess(models.AccessOperationWrite),
		)
		assert.Nil(err)
		assert.False(field.Encrypted)
		assert.Equal("Main checking", field.Value)

		outcome := uut.DecryptField(
			utCtx, "nickname", field, testAccess(models.AccessOperationRead),
		)
		assert.True(outcome.OK)
		assert.Equal("Main checking", outcome.Value)
	}

	// Case 1: empty value of a policy field is a no-op
	{
		field, err := uut.EncryptField(
			utCtx, "accountNumber", "", testAccess(models.AccessOperationWrite),
		)
		assert.Nil(err)
		assert.False(field.Encrypted)
		assert.Empty(field.Value)
	}
}

func TestFieldManagerFailSoftDecrypt(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{
		Keys: getTestKeyManager(t),
	})
	assert.Nil(err)
	uut.ClearAccessLog()

	field, err := uut.EncryptField(
		utCtx, "taxId", "12-3456789", testAccess(models.AccessOperationWrite),
	)
	assert.Nil(err)

	// Flip a bit inside the stored ciphertext
	result, err := field.DecodeResult()
	assert.Nil(err)
	result.Ciphertext[0] ^= 0x01
	tampered, err := models.NewEncryptedField(result)
	assert.Nil(err)

	// The tagged result reports the failure
	outcome := uut.DecryptField(
		utCtx, "taxId", tampered, testAccess(models.AccessOperationRead),
	)
	assert.False(outcome.OK)
	assert.NotEmpty(outcome.Reason)

	// The string boundary absorbs it
	recovered := uut.DecryptFieldValue(
		utCtx, "taxId", tampered, testAccess(models.AccessOperationRead),
	)
	assert.Empty(recovered)

	// The failures are in the access log
	var failures []models.FieldAccessEntry
	for _, entry := range uut.AccessLog() {
		if !entry.Success {
			failures = append(failures, entry)
		}
	}
	assert.Len(failures, 2)
	assert.Equal("taxId", failures[0].FieldName)
	assert.Equal("acc_1", failures[0].Context.RecordID)
	assert.NotEmpty(failures[0].Reason)

	// Malformed payload is also absorbed
	garbage := models.EncryptedField{Value: "not json", Encrypted: true}
	assert.Empty(uut.DecryptFieldValue(
		utCtx, "taxId", garbage, testAccess(models.AccessOperationRead),
	))
}

func TestFieldManagerRecordOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{
		Keys: getTestKeyManager(t),
	})
	assert.Nil(err)

	record := map[string]interface{}{
		"nickname":      "Main checking",
		"accountNumber": "4111-2222-3333-4444",
		"routingNumber": "021000021",
		"balance":       1234.56,
	}

	encrypted, err := uut.EncryptRecord(utCtx, record, testAccess(models.AccessOperationWrite))
	assert.Nil(err)

	// Non-policy and non-string attributes untouched
	assert.Equal("Main checking", encrypted["nickname"])
	assert.Equal(1234.56, encrypted["balance"])

	// Policy fields are now EncryptedField values
	accountField, ok := encrypted["accountNumber"].(models.EncryptedField)
	assert.True(ok)
	assert.True(accountField.Encrypted)

	decrypted, err := uut.DecryptRecord(utCtx, encrypted, testAccess(models.AccessOperationRead))
	assert.Nil(err)
	assert.Equal("4111-2222-3333-4444", decrypted["accountNumber"])
	assert.Equal("021000021", decrypted["routingNumber"])
	assert.Equal("Main checking", decrypted["nickname"])
}

func TestFieldManagerKeyMigration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	keyMgr := getTestKeyManager(t)
	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{Keys: keyMgr})
	assert.Nil(err)

	field, err := uut.EncryptField(
		utCtx, "privateNotes", "sell before June", testAccess(models.AccessOperationWrite),
	)
	assert.Nil(err)
	oldKeyID := field.KeyID

	newKey, err := keyMgr.GenerateNewKey(utCtx, "")
	assert.Nil(err)
	assert.NotEqual(oldKeyID, newKey.ID)

	migrated, err := uut.MigrateToNewKey(
		utCtx, "privateNotes", field, newKey.ID, testAccess(models.AccessOperationUpdate),
	)
	assert.Nil(err)
	assert.Equal(newKey.ID, migrated.KeyID)
	assert.Equal(
		"sell before June",
		uut.DecryptFieldValue(utCtx, "privateNotes", migrated, testAccess(models.AccessOperationRead)),
	)

	// Migrating again is a NOOP
	again, err := uut.MigrateToNewKey(
		utCtx, "privateNotes", migrated, newKey.ID, testAccess(models.AccessOperationUpdate),
	)
	assert.Nil(err)
	assert.Equal(migrated, again)

	// Integrity checks pass for the migrated field
	ok, err := uut.ValidateFieldIntegrity(utCtx, "privateNotes", migrated)
	assert.Nil(err)
	assert.True(ok)

	// And flag a tampered one
	result, err := migrated.DecodeResult()
	assert.Nil(err)
	result.AuthTag[0] ^= 0x01
	tampered, err := models.NewEncryptedField(result)
	assert.Nil(err)
	ok, err = uut.ValidateFieldIntegrity(utCtx, "privateNotes", tampered)
	assert.Nil(err)
	assert.False(ok)
}

func TestFieldManagerAccessLogBound(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := fields.NewFieldManager(utCtx, fields.FieldManagerParams{
		Keys:              getTestKeyManager(t),
		AccessLogCapacity: 5,
	})
	assert.Nil(err)

	// Each audited encryption adds one entry
	for idx := 0; idx < 8; idx++ {
		access := testAccess(models.AccessOperationWrite)
		access.RecordID = fmt.Sprintf("acc_%d", idx)
		_, err := uut.EncryptField(utCtx, "accountNumber", "4111", access)
		assert.Nil(err)
	}

	// Only the newest five remain, oldest evicted first
	entries := uut.AccessLog()
	assert.Len(entries, 5)
	assert.Equal("acc_3", entries[0].Context.RecordID)
	assert.Equal("acc_7", entries[4].Context.RecordID)

	uut.ClearAccessLog()
	assert.Empty(uut.AccessLog())
}
