// Package fields - policy driven field level encryption layer
package fields

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/emberplan/fieldvault/encryption"
	"github.com/emberplan/fieldvault/models"
	"github.com/go-playground/validator/v10"
)

/*
DefaultFieldPolicies the encryption policies applied to personal finance
records unless the caller installs its own set.
*/
func DefaultFieldPolicies() []models.FieldPolicy {
	return []models.FieldPolicy{
		{FieldName: "accountNumber", Required: true, Sensitive: true, AuditAccess: true},
		{FieldName: "routingNumber", Required: true, Sensitive: true, AuditAccess: true},
		{FieldName: "taxId", Required: false, Sensitive: true, AuditAccess: true},
		{FieldName: "privateNotes", Required: false, Sensitive: true, AuditAccess: false},
		{FieldName: "institutionLogin", Required: false, Sensitive: true, AuditAccess: true},
	}
}

// DecryptOutcome tagged result of one field decryption.
//
// OK is false when the ciphertext failed authentication, referenced an unknown
// key, or carried a malformed payload. Value is only meaningful when OK.
type DecryptOutcome struct {
	// Value the recovered plaintext
	Value string `json:"value"`
	// OK whether decryption succeeded
	OK bool `json:"ok"`
	// Reason failure classification, when OK is false
	Reason string `json:"reason,omitempty"`
}

/*
FieldManager transparent field level encryption over record attributes.

Fields with a policy entry are encrypted under the active key on write, and
decrypted on read. Decryption failure is absorbed: callers of the string
boundary receive an empty value instead of an error, and the failure is
recorded in the bounded access log for later inspection.
*/
type FieldManager interface {
	/*
		EncryptField encrypt one field value per its policy

		Empty values and fields without a policy entry pass through unencrypted.

			@param ctx context.Context - execution context
			@param fieldName string - the record attribute name
			@param value string - the plaintext value
			@param access models.AccessContext - caller context
			@return the field as stored
	*/
	EncryptField(
		ctx context.Context, fieldName string, value string, access models.AccessContext,
	) (models.EncryptedField, error)

	/*
		DecryptField decrypt one field with a tagged result

			@param ctx context.Context - execution context
			@param fieldName string - the record attribute name
			@param field models.EncryptedField - the field as stored
			@param access models.AccessContext - caller context
			@return tagged decryption outcome
	*/
	DecryptField(
		ctx context.Context, fieldName string, field models.EncryptedField, access models.AccessContext,
	) DecryptOutcome

	/*
		DecryptFieldValue decrypt one field at the string boundary

		Failure is absorbed: the result is an empty string, and the failure is
		recorded in the access log.

			@param ctx context.Context - execution context
			@param fieldName string - the record attribute name
			@param field models.EncryptedField - the field as stored
			@param access models.AccessContext - caller context
			@return the plaintext, or "" on any failure
	*/
	DecryptFieldValue(
		ctx context.Context, fieldName string, field models.EncryptedField, access models.AccessContext,
	) string

	/*
		EncryptRecord encrypt all policy covered fields of one record

		Attributes without a policy entry, and non-string attributes, are left
		untouched.

			@param ctx context.Context - execution context
			@param record map[string]interface{} - the record attributes
			@param access models.AccessContext - caller context
			@return the record with policy fields encrypted
	*/
	EncryptRecord(
		ctx context.Context, record map[string]interface{}, access models.AccessContext,
	) (map[string]interface{}, error)

	/*
		DecryptRecord decrypt all encrypted fields of one record

		Each field decrypts independently; a field which fails authentication
		comes back as an empty string without affecting its siblings.

			@param ctx context.Context - execution context
			@param record map[string]interface{} - the record attributes as stored
			@param access models.AccessContext - caller context
			@return the record with encrypted fields decrypted
	*/
	DecryptRecord(
		ctx context.Context, record map[string]interface{}, access models.AccessContext,
	) (map[string]interface{}, error)

	/*
		MigrateToNewKey re-encrypt one field under a new key

		A field already under the target key, or a plaintext passthrough, is
		returned unchanged.

			@param ctx context.Context - execution context
			@param fieldName string - the record attribute name
			@param field models.EncryptedField - the field as stored
			@param newKeyID string - the target key ID
			@param access models.AccessContext - caller context
			@return the field re-encrypted under the target key
	*/
	MigrateToNewKey(
		ctx context.Context,
		fieldName string,
		field models.EncryptedField,
		newKeyID string,
		access models.AccessContext,
	) (models.EncryptedField, error)

	/*
		ValidateFieldIntegrity verify one field decrypts cleanly

			@param ctx context.Context - execution context
			@param fieldName string - the record attribute name
			@param field models.EncryptedField - the field as stored
			@return whether the ciphertext authenticated
	*/
	ValidateFieldIntegrity(
		ctx context.Context, fieldName string, field models.EncryptedField,
	) (bool, error)

	/*
		Policies fetch the installed field policies

			@return policy set keyed by field name
	*/
	Policies() map[string]models.FieldPolicy

	/*
		AccessLog fetch the retained field access entries, oldest first

			@return retained access entries
	*/
	AccessLog() []models.FieldAccessEntry

	// ClearAccessLog drop all retained field access entries
	ClearAccessLog()
}

// fieldManager implements FieldManager
type fieldManager struct {
	goutils.Component

	keys      encryption.KeyManager
	validator *validator.Validate

	policies map[string]models.FieldPolicy
	log      *accessLog
}

// FieldManagerParams field manager init parameters
type FieldManagerParams struct {
	// Keys the key manager performing all key bound operations
	Keys encryption.KeyManager `validate:"required"`
	// Policies the field policies; DefaultFieldPolicies when empty
	Policies []models.FieldPolicy `validate:"omitempty,dive"`
	// AccessLogCapacity access log depth; DefaultAccessLogCapacity when unset
	AccessLogCapacity int `validate:"gte=0"`
}

/*
NewFieldManager define new field manager

	@param ctx context.Context - execution context
	@param params FieldManagerParams - manager parameters
	@returns manager instance
*/
func NewFieldManager(ctx context.Context, params FieldManagerParams) (FieldManager, error) {
	logTags := log.Fields{"module": "fields", "component": "field-manager"}

	instance := &fieldManager{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		keys:      params.Keys,
		validator: validator.New(),
		policies:  make(map[string]models.FieldPolicy),
		log:       newAccessLog(params.AccessLogCapacity),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid field manager init parameters [%w]", err)
	}

	policies := params.Policies
	if len(policies) == 0 {
		policies = DefaultFieldPolicies()
	}
	for _, policy := range policies {
		instance.policies[policy.FieldName] = policy
	}

	return instance, nil
}

// recordAccess append one access entry if the field's policy audits access
func (m *fieldManager) recordAccess(
	fieldName string, access models.AccessContext, success bool, reason string,
) {
	policy, covered := m.policies[fieldName]
	if !covered || !policy.AuditAccess {
		// Failures are always retained for inspection
		if success {
			return
		}
	}
	m.log.record(models.FieldAccessEntry{
		FieldName: fieldName,
		Context:   access,
		Timestamp: time.Now(),
		Success:   success,
		Reason:    reason,
	})
}

func (m *fieldManager) EncryptField(
	ctx context.Context, fieldName string, value string, access models.AccessContext,
) (models.EncryptedField, error) {
	logTags := m.GetLogTagsForContext(ctx)

	if err := m.validator.Struct(&access); err != nil {
		return models.EncryptedField{}, fmt.Errorf("invalid access context [%w]", err)
	}

	policy, covered := m.policies[fieldName]
	if !covered || value == "" {
		// Deliberate passthrough
		return models.EncryptedField{
			Value: value, Encrypted: false, LastUpdated: time.Now(),
		}, nil
	}

	keyID, err := m.keys.GetCurrentKeyID(ctx)
	if err != nil {
		m.recordAccess(fieldName, access, false, "no active key available")
		return models.EncryptedField{}, fmt.Errorf("no active key available [%w]", err)
	}

	result, err := m.keys.EncryptWithKey(ctx, keyID, []byte(value))
	if err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("field", fieldName).
			Error("Field encryption failed")
		m.recordAccess(fieldName, access, false, "encryption failed")
		return models.EncryptedField{}, fmt.Errorf("field encryption failed [%w]", err)
	}

	field, err := models.NewEncryptedField(result)
	if err != nil {
		return models.EncryptedField{}, err
	}

	if policy.AuditAccess {
		m.recordAccess(fieldName, access, true, "")
	}
	return field, nil
}

func (m *fieldManager) DecryptField(
	ctx context.Context, fieldName string, field models.EncryptedField, access models.AccessContext,
) DecryptOutcome {
	logTags := m.GetLogTagsForContext(ctx)

	if !field.Encrypted {
		m.recordAccess(fieldName, access, true, "")
		return DecryptOutcome{Value: field.Value, OK: true}
	}

	result, err := field.DecodeResult()
	if err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("field", fieldName).
			Error("Encrypted field payload is malformed")
		m.recordAccess(fieldName, access, false, "malformed encrypted payload")
		return DecryptOutcome{OK: false, Reason: "malformed encrypted payload"}
	}

	plainText, err := m.keys.DecryptWithKey(ctx, result)
	if err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("field", fieldName).
			WithField("key-id", result.KeyID).
			Error("Field decryption failed")
		m.recordAccess(fieldName, access, false, err.Error())
		return DecryptOutcome{OK: false, Reason: err.Error()}
	}

	m.recordAccess(fieldName, access, true, "")
	return DecryptOutcome{Value: string(plainText), OK: true}
}

func (m *fieldManager) DecryptFieldValue(
	ctx context.Context, fieldName string, field models.EncryptedField, access models.AccessContext,
) string {
	outcome := m.DecryptField(ctx, fieldName, field, access)
	if !outcome.OK {
		return ""
	}
	return outcome.Value
}

func (m *fieldManager) EncryptRecord(
	ctx context.Context, record map[string]interface{}, access models.AccessContext,
) (map[string]interface{}, error) {
	processed := make(map[string]interface{}, len(record))

	for name, value := range record {
		if _, covered := m.policies[name]; !covered {
			processed[name] = value
			continue
		}

		plainText, isString := value.(string)
		if !isString {
			processed[name] = value
			continue
		}

		field, err := m.EncryptField(ctx, name, plainText, access)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt record field '%s' [%w]", name, err)
		}
		processed[name] = field
	}

	return processed, nil
}

func (m *fieldManager) DecryptRecord(
	ctx context.Context, record map[string]interface{}, access models.AccessContext,
) (map[string]interface{}, error) {
	processed := make(map[string]interface{}, len(record))

	for name, value := range record {
		field, isField := models.AsEncryptedField(value)
		if !isField {
			processed[name] = value
			continue
		}
		processed[name] = m.DecryptFieldValue(ctx, name, field, access)
	}

	return processed, nil
}

func (m *fieldManager) MigrateToNewKey(
	ctx context.Context,
	fieldName string,
	field models.EncryptedField,
	newKeyID string,
	access models.AccessContext,
) (models.EncryptedField, error) {
	if !field.Encrypted || field.KeyID == newKeyID {
		// NOOP
		return field, nil
	}

	result, err := field.DecodeResult()
	if err != nil {
		return models.EncryptedField{}, err
	}

	plainText, err := m.keys.DecryptWithKey(ctx, result)
	if err != nil {
		m.recordAccess(fieldName, access, false, err.Error())
		return models.EncryptedField{}, fmt.Errorf(
			"failed to decrypt field '%s' for migration [%w]", fieldName, err,
		)
	}

	reEncrypted, err := m.keys.EncryptWithKey(ctx, newKeyID, plainText)
	if err != nil {
		return models.EncryptedField{}, fmt.Errorf(
			"failed to re-encrypt field '%s' under key %s [%w]", fieldName, newKeyID, err,
		)
	}

	return models.NewEncryptedField(reEncrypted)
}

func (m *fieldManager) ValidateFieldIntegrity(
	ctx context.Context, fieldName string, field models.EncryptedField,
) (bool, error) {
	if !field.Encrypted {
		return true, nil
	}

	result, err := field.DecodeResult()
	if err != nil {
		return false, nil
	}

	if _, err := m.keys.DecryptWithKey(ctx, result); err != nil {
		if errors.Is(err, encryption.ErrKeyStoreUnavailable) {
			// Unable to judge; do not misreport as corruption
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (m *fieldManager) Policies() map[string]models.FieldPolicy {
	result := make(map[string]models.FieldPolicy, len(m.policies))
	for name, policy := range m.policies {
		result[name] = policy
	}
	return result
}

func (m *fieldManager) AccessLog() []models.FieldAccessEntry {
	return m.log.snapshot()
}

func (m *fieldManager) ClearAccessLog() {
	m.log.clear()
}
