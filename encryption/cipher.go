package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize symmetric key length in bytes
	KeySize = chacha20poly1305.KeySize
	// NonceSize AEAD nonce length in bytes
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize AEAD authentication tag length in bytes
	TagSize = chacha20poly1305.Overhead
	// SaltSize derivation salt length in bytes
	SaltSize = 32
	// MinSaltSize shortest salt accepted during key derivation
	MinSaltSize = 16
	// DefaultPBKDF2Iterations derivation iteration count used unless configured
	DefaultPBKDF2Iterations = 210000
	// MinPBKDF2Iterations smallest iteration count accepted
	MinPBKDF2Iterations = 1000
)

// ErrInvalidKey the key material has the wrong length
var ErrInvalidKey = errors.New("key material must be 32 bytes")

// ErrInvalidPassword the derivation password is empty
var ErrInvalidPassword = errors.New("derivation password must not be empty")

// ErrInvalidSalt the derivation salt is too short
var ErrInvalidSalt = errors.New("derivation salt is too short")

// ErrAuthenticationFailed ciphertext, nonce, or tag failed authentication
var ErrAuthenticationFailed = errors.New("ciphertext authentication failed")

/*
Cipher the authenticated encryption primitive.

Implementations must never log plaintext or key material, must reject
tampered input before releasing any plaintext bytes, and must use a fresh
random nonce on every Encrypt call.
*/
type Cipher interface {
	/*
		DeriveKey derive symmetric key material from a password

			@param password []byte - derivation password
			@param salt []byte - random derivation salt, at least MinSaltSize bytes
			@param iterations int - PBKDF2 iteration count, at least MinPBKDF2Iterations
			@return 32 bytes of key material
	*/
	DeriveKey(password []byte, salt []byte, iterations int) ([]byte, error)

	/*
		Encrypt authenticated encryption of a plaintext

			@param plainText []byte - the plaintext to encrypt
			@param key []byte - 32 bytes of key material
			@return ciphertext, nonce, and authentication tag
	*/
	Encrypt(plainText []byte, key []byte) (cipherText []byte, nonce []byte, tag []byte, err error)

	/*
		Decrypt authenticated decryption of a ciphertext

			@param cipherText []byte - the ciphertext
			@param nonce []byte - the nonce used during encryption
			@param tag []byte - the authentication tag
			@param key []byte - 32 bytes of key material
			@return the plaintext, or ErrAuthenticationFailed
	*/
	Decrypt(cipherText []byte, nonce []byte, tag []byte, key []byte) ([]byte, error)
}

// aeadCipher implements Cipher with XChaCha20-Poly1305 and PBKDF2-SHA256
type aeadCipher struct{}

/*
NewCipher define the standard AEAD cipher primitive

	@return cipher instance
*/
func NewCipher() Cipher {
	return &aeadCipher{}
}

/*
GenerateSalt generate a cryptographically secure random derivation salt

	@return SaltSize random bytes
*/
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt [%w]", err)
	}
	return salt, nil
}

/*
GenerateRandomKey generate cryptographically secure random key material

	@return KeySize random bytes
*/
func GenerateRandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key material [%w]", err)
	}
	return key, nil
}

func (c *aeadCipher) DeriveKey(password []byte, salt []byte, iterations int) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrInvalidPassword
	}
	if len(salt) < MinSaltSize {
		return nil, ErrInvalidSalt
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("iteration count %d below minimum %d", iterations, MinPBKDF2Iterations)
	}

	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

func (c *aeadCipher) Encrypt(
	plainText []byte, key []byte,
) (cipherText []byte, nonce []byte, tag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, nil, ErrInvalidKey
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce [%w]", err)
	}

	sealed := aead.Seal(nil, nonce, plainText, nil)

	// Seal appends the tag after the ciphertext
	boundary := len(sealed) - TagSize
	return sealed[:boundary], nonce, sealed[boundary:], nil
}

func (c *aeadCipher) Decrypt(
	cipherText []byte, nonce []byte, tag []byte, key []byte,
) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrAuthenticationFailed
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	sealed := make([]byte, 0, len(cipherText)+TagSize)
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)

	plainText, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plainText, nil
}
