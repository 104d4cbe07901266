// Package keystore - narrow interface to the platform secure key store
package keystore

import (
	"context"
	"errors"
)

// ErrItemNotFound the named item is absent from the secure store
var ErrItemNotFound = errors.New("secure store item not found")

/*
SecureStore tamper-resistant storage of opaque blobs addressed by name.

All key material and the "current key id" pointer go exclusively through this
interface; no key material is ever written to general purpose storage. The
production implementation is expected to bind the platform enclave / keychain;
the implementations in this package are an in-memory store for testing and a
restricted-permission file store as a desktop fallback.
*/
type SecureStore interface {
	/*
		GetItem fetch an item by name

			@param ctx context.Context - execution context
			@param name string - item name
			@return the item content, or ErrItemNotFound
	*/
	GetItem(ctx context.Context, name string) ([]byte, error)

	/*
		SetItem store an item under a name, replacing any existing content

			@param ctx context.Context - execution context
			@param name string - item name
			@param data []byte - item content
	*/
	SetItem(ctx context.Context, name string, data []byte) error

	/*
		DeleteItem remove an item by name. Removing an absent item is a NOOP.

			@param ctx context.Context - execution context
			@param name string - item name
	*/
	DeleteItem(ctx context.Context, name string) error
}
