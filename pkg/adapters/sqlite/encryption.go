package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/aretw0/humus/pkg/core"
)

const (
	// NonceSize is the AES-GCM nonce prepended to every sealed value.
	NonceSize = 12
	// SaltSize is the per-database PBKDF2 salt size.
	SaltSize = 32
	// PBKDF2Iterations is the work factor for password keys.
	PBKDF2Iterations = 64000

	keyCheckPlaintext = "humus key check"
)

// Encryption modes recorded in the meta table.
const (
	modeNone     = "none"
	modePassword = "password"
	modeRaw      = "raw"
)

// sealer encrypts values with AES-256-GCM. A nil sealer passes data through.
type sealer struct {
	gcm  cipher.AEAD
	mode string
	salt []byte
}

// newSealer derives a sealer for key. Password keys use salt, or a fresh one
// when salt is nil.
func newSealer(key *core.EncryptionKey, salt []byte) (*sealer, error) {
	if key == nil {
		return nil, nil
	}
	var raw []byte
	mode := modeRaw
	if key.IsPassword() {
		mode = modePassword
		if salt == nil {
			salt = make([]byte, SaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, fmt.Errorf("failed to generate salt: %w", err)
			}
		}
		if len(salt) != SaltSize {
			return nil, errors.New("invalid salt size")
		}
		raw = pbkdf2.Key([]byte(key.Password()), salt, PBKDF2Iterations, core.KeySize, sha256.New)
	} else {
		raw = key.Raw()
		salt = nil
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{gcm: gcm, mode: mode, salt: salt}, nil
}

func (s *sealer) Mode() string {
	if s == nil {
		return modeNone
	}
	return s.mode
}

func (s *sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) Open(ciphertext []byte) ([]byte, error) {
	if s == nil {
		return ciphertext, nil
	}
	if len(ciphertext) < NonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:NonceSize]
	return s.gcm.Open(nil, nonce, ciphertext[NonceSize:], nil)
}

// keyCheck returns the token stored in meta to verify keys at open time.
func (s *sealer) keyCheck() (string, error) {
	if s == nil {
		return "", nil
	}
	sealed, err := s.Seal([]byte(keyCheckPlaintext))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

func (s *sealer) verify(token string) error {
	sealed, err := hex.DecodeString(token)
	if err != nil {
		return core.NewError(core.KindCorruption, "open", "", fmt.Errorf("malformed key check: %w", err))
	}
	plain, err := s.Open(sealed)
	if err != nil || string(plain) != keyCheckPlaintext {
		return core.NewError(core.KindEncryption, "open", "", errors.New("wrong encryption key"))
	}
	return nil
}
