package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AccessOperationENUMType field access operation enum type
type AccessOperationENUMType string

const (
	// AccessOperationRead field value is being read
	AccessOperationRead AccessOperationENUMType = "read"
	// AccessOperationWrite field value is being written for the first time
	AccessOperationWrite AccessOperationENUMType = "write"
	// AccessOperationUpdate field value is being replaced
	AccessOperationUpdate AccessOperationENUMType = "update"
	// AccessOperationDelete field value is being removed
	AccessOperationDelete AccessOperationENUMType = "delete"
)

// AccessContext caller context passed on every field encryption operation.
// Used to scope the operation and to populate audit entries.
type AccessContext struct {
	// Collection the logical table / collection holding the record
	Collection string `json:"collection" validate:"required"`
	// RecordID the record being operated on
	RecordID string `json:"record_id" validate:"required"`
	// UserID the acting user, if known
	UserID string `json:"user_id,omitempty"`
	// Operation the access operation
	Operation AccessOperationENUMType `json:"operation" validate:"required,access_operation"`
}

// EncryptionResult output of one authenticated encryption call
type EncryptionResult struct {
	// Ciphertext the encrypted payload, excluding the authentication tag
	Ciphertext []byte `json:"ciphertext" validate:"required"`
	// Nonce the fresh random nonce used for this call
	Nonce []byte `json:"nonce" validate:"required"`
	// AuthTag the authentication tag binding ciphertext integrity
	AuthTag []byte `json:"auth_tag" validate:"required"`
	// KeyID the field key which produced this ciphertext
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
	// Timestamp when the encryption was performed
	Timestamp time.Time `json:"timestamp"`
}

// EncryptedField a single record attribute after passing through the field
// encryption layer.
//
// Encrypted == false marks a deliberate passthrough: either the value was
// empty, or the field has no encryption policy entry.
type EncryptedField struct {
	// Value the serialized EncryptionResult, or the plaintext on passthrough
	Value string `json:"value"`
	// Encrypted whether Value holds ciphertext
	Encrypted bool `json:"encrypted"`
	// KeyID the field key referenced by the ciphertext
	KeyID string `json:"key_id,omitempty"`
	// LastUpdated when the field was last written
	LastUpdated time.Time `json:"last_updated"`
}

// DecodeResult parse the serialized EncryptionResult held in Value
func (f *EncryptedField) DecodeResult() (EncryptionResult, error) {
	if !f.Encrypted {
		return EncryptionResult{}, fmt.Errorf("field is a plaintext passthrough")
	}
	var result EncryptionResult
	if err := json.Unmarshal([]byte(f.Value), &result); err != nil {
		return EncryptionResult{}, fmt.Errorf("malformed encrypted field payload [%w]", err)
	}
	return result, nil
}

// NewEncryptedField wrap an EncryptionResult for storage
func NewEncryptedField(result EncryptionResult) (EncryptedField, error) {
	serialized, err := json.Marshal(&result)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("failed to serialize encryption result [%w]", err)
	}
	return EncryptedField{
		Value:       string(serialized),
		Encrypted:   true,
		KeyID:       result.KeyID,
		LastUpdated: result.Timestamp,
	}, nil
}

// AsEncryptedField check whether an arbitrary record attribute value carries
// the EncryptedField shape. Values which do not parse are left to the caller
// untouched.
func AsEncryptedField(value interface{}) (EncryptedField, bool) {
	switch v := value.(type) {
	case EncryptedField:
		return v, true
	case map[string]interface{}:
		serialized, err := json.Marshal(v)
		if err != nil {
			return EncryptedField{}, false
		}
		var field EncryptedField
		if err := json.Unmarshal(serialized, &field); err != nil {
			return EncryptedField{}, false
		}
		// A passthrough entry still carries the "encrypted" marker key
		if _, ok := v["encrypted"]; !ok {
			return EncryptedField{}, false
		}
		return field, true
	}
	return EncryptedField{}, false
}

// FieldPolicy static encryption policy for one named field
type FieldPolicy struct {
	// FieldName the record attribute this policy covers
	FieldName string `json:"field_name" validate:"required"`
	// Required whether the surrounding application must supply this field
	Required bool `json:"required"`
	// Sensitive whether the field holds sensitive personal finance data
	Sensitive bool `json:"sensitive"`
	// AuditAccess whether every access to this field is recorded
	AuditAccess bool `json:"audit_access"`
}
