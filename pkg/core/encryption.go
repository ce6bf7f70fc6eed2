package core

import (
	"fmt"
)

// KeySize is the size of a raw AES-256 key.
const KeySize = 32

// EncryptionKey is either a password (run through PBKDF2 by the store) or a
// raw 32-byte AES-256 key.
type EncryptionKey struct {
	password string
	raw      []byte
}

// PasswordKey creates a password based key.
func PasswordKey(password string) *EncryptionKey {
	return &EncryptionKey{password: password}
}

// AES256Key creates a raw key. It must be exactly KeySize bytes.
func AES256Key(key []byte) (*EncryptionKey, error) {
	if len(key) != KeySize {
		return nil, NewError(KindEncryption, "key", "", fmt.Errorf("raw key must be %d bytes, got %d", KeySize, len(key)))
	}
	raw := make([]byte, KeySize)
	copy(raw, key)
	return &EncryptionKey{raw: raw}, nil
}

// IsPassword reports whether the key must be derived from a password.
func (k *EncryptionKey) IsPassword() bool { return k != nil && k.raw == nil }

// Password returns the password of a password based key.
func (k *EncryptionKey) Password() string {
	if k == nil {
		return ""
	}
	return k.password
}

// Raw returns a copy of a raw key, or nil for password based keys.
func (k *EncryptionKey) Raw() []byte {
	if k == nil || k.raw == nil {
		return nil
	}
	out := make([]byte, len(k.raw))
	copy(out, k.raw)
	return out
}
