package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProtectedRecord one application record containing encrypted fields
//
// Fields is the serialized attribute map of the record. Configured sensitive
// attributes hold the EncryptedField shape; everything else is stored as the
// application supplied it.
type ProtectedRecord struct {
	// Collection the logical table / collection the record belongs to.
	// Record identity is the {collection, id} pair; the same ID may exist in
	// several collections.
	Collection string `json:"collection" gorm:"column:collection;primaryKey" validate:"required"`

	// ID record ID within its collection
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`

	// Fields the record attribute map
	Fields datatypes.JSON `json:"fields" gorm:"column:fields;not null" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
