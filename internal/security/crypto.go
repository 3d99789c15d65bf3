// Package security holds the cryptographic primitives of recoveryd: key
// derivation, the commitment codec, the private-key keyring and credential
// hashing.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
	ErrDecryption          = errors.New("security: decryption failed")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// KeySize is the symmetric key size used throughout (ChaCha20-Poly1305).
const KeySize = chacha20poly1305.KeySize

// GenerateSecureRandom fills the given slice with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(secret, salt, info []byte, keySize int) ([]byte, error) {
	if len(secret) < MinKeySize {
		return nil, fmt.Errorf("%w: secret is %d bytes, minimum %d required",
			ErrWeakKey, len(secret), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// DeriveKeyWithLabel derives a key with a domain separation label.
func DeriveKeyWithLabel(secret, salt []byte, label string) ([]byte, error) {
	return DeriveKey(secret, salt, []byte("recoveryd:"+label), KeySize)
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashDomainSeparated computes a SHA-256 hash with domain separation.
// Every input is length-prefixed so concatenation is unambiguous.
func HashDomainSeparated(domain string, data ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(len(domain))})
	h.Write([]byte(domain))
	for _, d := range data {
		var n [4]byte
		n[0] = byte(len(d) >> 24)
		n[1] = byte(len(d) >> 16)
		n[2] = byte(len(d) >> 8)
		n[3] = byte(len(d))
		h.Write(n[:])
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Wipe zeroes sensitive bytes in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// seal encrypts plaintext under key with a fresh random nonce.
func seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if err := GenerateSecureRandom(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// open decrypts ciphertext produced by seal.
func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecryption, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
