package encryption_test

import (
	"testing"

	"github.com/apex/log"
	"github.com/emberplan/fieldvault/encryption"
	"github.com/stretchr/testify/assert"
)

func TestCipherDeriveKey(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := encryption.NewCipher()

	salt, err := encryption.GenerateSalt()
	assert.Nil(err)
	assert.Len(salt, encryption.SaltSize)

	// Case 0: empty password
	{
		_, err := uut.DeriveKey([]byte{}, salt, encryption.DefaultPBKDF2Iterations)
		assert.ErrorIs(err, encryption.ErrInvalidPassword)
	}

	// Case 1: short salt
	{
		_, err := uut.DeriveKey([]byte("hunter2"), salt[:8], encryption.DefaultPBKDF2Iterations)
		assert.ErrorIs(err, encryption.ErrInvalidSalt)
	}

	// Case 2: iteration count too small
	{
		_, err := uut.DeriveKey([]byte("hunter2"), salt, 12)
		assert.Error(err)
	}

	// Case 3: derivation is deterministic for the same inputs
	key1, err := uut.DeriveKey([]byte("hunter2"), salt, encryption.MinPBKDF2Iterations)
	assert.Nil(err)
	assert.Len(key1, encryption.KeySize)
	key2, err := uut.DeriveKey([]byte("hunter2"), salt, encryption.MinPBKDF2Iterations)
	assert.Nil(err)
	assert.Equal(key1, key2)

	// Case 4: different salt produces different material
	otherSalt, err := encryption.GenerateSalt()
	assert.Nil(err)
	key3, err := uut.DeriveKey([]byte("hunter2"), otherSalt, encryption.MinPBKDF2Iterations)
	assert.Nil(err)
	assert.NotEqual(key1, key3)

	// Case 5: different password produces different material
	key4, err := uut.DeriveKey([]byte("hunter3"), salt, encryption.MinPBKDF2Iterations)
	assert.Nil(err)
	assert.NotEqual(key1, key4)
}

func TestCipherRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := encryption.NewCipher()

	key, err := encryption.GenerateRandomKey()
	assert.Nil(err)

	plainText := []byte("routing 021000021 account 4111-2222-3333-4444")

	cipherText, nonce, tag, err := uut.Encrypt(plainText, key)
	assert.Nil(err)
	assert.Len(nonce, encryption.NonceSize)
	assert.Len(tag, encryption.TagSize)
	assert.NotEqual(plainText, cipherText)

	recovered, err := uut.Decrypt(cipherText, nonce, tag, key)
	assert.Nil(err)
	assert.Equal(plainText, recovered)

	// Wrong key length is rejected outright
	_, _, _, err = uut.Encrypt(plainText, key[:16])
	assert.ErrorIs(err, encryption.ErrInvalidKey)
	_, err = uut.Decrypt(cipherText, nonce, tag, key[:16])
	assert.ErrorIs(err, encryption.ErrInvalidKey)

	// Wrong key fails authentication
	otherKey, err := encryption.GenerateRandomKey()
	assert.Nil(err)
	_, err = uut.Decrypt(cipherText, nonce, tag, otherKey)
	assert.ErrorIs(err, encryption.ErrAuthenticationFailed)
}

func TestCipherNonceFreshness(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := encryption.NewCipher()

	key, err := encryption.GenerateRandomKey()
	assert.Nil(err)

	plainText := []byte("same plaintext every time")

	_, nonce1, _, err := uut.Encrypt(plainText, key)
	assert.Nil(err)
	cipherText2, nonce2, _, err := uut.Encrypt(plainText, key)
	assert.Nil(err)

	assert.NotEqual(nonce1, nonce2)
	assert.NotEqual(plainText, cipherText2)
}

func TestCipherTamperDetection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := encryption.NewCipher()

	key, err := encryption.GenerateRandomKey()
	assert.Nil(err)

	plainText := []byte("tax ID 12-3456789")
	cipherText, nonce, tag, err := uut.Encrypt(plainText, key)
	assert.Nil(err)

	// Case 0: bit flip in the ciphertext
	{
		tampered := append([]byte{}, cipherText...)
		tampered[0] ^= 0x01
		_, err := uut.Decrypt(tampered, nonce, tag, key)
		assert.ErrorIs(err, encryption.ErrAuthenticationFailed)
	}

	// Case 1: bit flip in the nonce
	{
		tampered := append([]byte{}, nonce...)
		tampered[0] ^= 0x01
		_, err := uut.Decrypt(cipherText, tampered, tag, key)
		assert.ErrorIs(err, encryption.ErrAuthenticationFailed)
	}

	// Case 2: bit flip in the authentication tag
	{
		tampered := append([]byte{}, tag...)
		tampered[0] ^= 0x01
		_, err := uut.Decrypt(cipherText, nonce, tampered, key)
		assert.ErrorIs(err, encryption.ErrAuthenticationFailed)
	}

	// Case 3: truncated tag
	{
		_, err := uut.Decrypt(cipherText, nonce, tag[:8], key)
		assert.ErrorIs(err, encryption.ErrAuthenticationFailed)
	}

	// Untouched input still decrypts
	recovered, err := uut.Decrypt(cipherText, nonce, tag, key)
	assert.Nil(err)
	assert.Equal(plainText, recovered)
}
