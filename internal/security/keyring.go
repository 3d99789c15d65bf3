package security

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

const (
	wrapLabel = "keyring-wrap"
	wrapAAD   = "recoveryd-wrapped-key-v1"
)

// Keyring errors
var (
	ErrMasterKeySize = errors.New("security: master key has wrong size")
	ErrWrappedKey    = errors.New("security: malformed wrapped key")
)

// Keyring wraps commitment private keys with the service key-encryption key
// before they are persisted.
type Keyring struct {
	master []byte
}

// NewKeyring returns a keyring over a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrMasterKeySize, len(master), KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, master)
	return &Keyring{master: k}, nil
}

// LoadOrCreateKeyring reads the master key at path, creating it with 0600
// permissions on first use.
func LoadOrCreateKeyring(path string) (*Keyring, error) {
	master, err := ReadSecureFile(path, KeySize)
	if errors.Is(err, os.ErrNotExist) {
		master = make([]byte, KeySize)
		if err := GenerateSecureRandom(master); err != nil {
			return nil, err
		}
		if err := WriteSecretFile(path, master); err != nil {
			return nil, fmt.Errorf("write master key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	defer Wipe(master)
	return NewKeyring(master)
}

// Wrap seals a private key. The output is nonce || ciphertext.
func (k *Keyring) Wrap(privateKey []byte) ([]byte, error) {
	key, err := DeriveKeyWithLabel(k.master, nil, wrapLabel)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	nonce, ct, err := seal(key, privateKey, []byte(wrapAAD))
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// Unwrap reverses Wrap.
func (k *Keyring) Unwrap(wrapped []byte) ([]byte, error) {
	key, err := DeriveKeyWithLabel(k.master, nil, wrapLabel)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	const nonceSize = 12
	if len(wrapped) <= nonceSize {
		return nil, ErrWrappedKey
	}
	return open(key, wrapped[:nonceSize], wrapped[nonceSize:], []byte(wrapAAD))
}

// HashCredential hashes a new account credential for storage.
func HashCredential(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("security: empty credential")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(h), nil
}

// CheckCredential reports whether secret matches a stored hash.
func CheckCredential(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
