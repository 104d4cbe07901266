// Package models - system data models
package models

import (
	"fmt"
	"time"
)

// FieldKeyStateENUMType field encryption key state enum type
type FieldKeyStateENUMType string

const (
	// FieldKeyStateActive the key encrypts new data and decrypts existing data
	FieldKeyStateActive FieldKeyStateENUMType = "ACTIVE"
	// FieldKeyStateRetired the key only decrypts data not yet migrated to the
	// active key
	FieldKeyStateRetired FieldKeyStateENUMType = "RETIRED"
)

// FieldKey metadata of a symmetric field encryption key
//
// The key material itself never appears here; it lives exclusively in the
// secure key store. At most one key is ACTIVE at any time.
type FieldKey struct {
	// ID key ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// Salt the random salt used during key derivation
	Salt []byte `json:"salt" gorm:"column:salt;not null" validate:"required"`

	// State the key state
	State FieldKeyStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,field_key_state"`

	// ExpiresAt when the key is due for rotation. Always CreatedAt plus the
	// configured rotation interval.
	ExpiresAt time.Time `json:"expires_at" gorm:"column:expires_at"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive whether this key is the active encryption key
func (k *FieldKey) IsActive() bool {
	return k.State == FieldKeyStateActive
}

// ValidateNextState verify can transition to new state
func (k *FieldKey) ValidateNextState(newState FieldKeyStateENUMType) error {
	statesWithTransitions := map[FieldKeyStateENUMType]map[FieldKeyStateENUMType]bool{
		FieldKeyStateActive: {
			FieldKeyStateActive:  true,
			FieldKeyStateRetired: true,
		},
		FieldKeyStateRetired: {
			FieldKeyStateRetired: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[k.State]
	if !ok {
		return fmt.Errorf("field key can't transition out of state '%s'", k.State)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf("field key can't transition from '%s' to '%s'", k.State, newState)
	}

	return nil
}
