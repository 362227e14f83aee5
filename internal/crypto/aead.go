// Package crypto seals secret values with AES-256-GCM. The key is derived
// either from the client certificate PEM or from a passphrase.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/atinyakov/secretsync/internal/models"
)

// Algorithm is recorded on every value this package produces.
const Algorithm = "AES-256-GCM"

// SaltSize is the length of salts returned by NewSalt.
const SaltSize = 16

var (
	// ErrUnsupportedAlgorithm is returned when decrypting a value sealed by another cipher.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrDecrypt is returned when authentication of a ciphertext fails.
	ErrDecrypt = errors.New("decryption failed")
)

// argon2id parameters for passphrase keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// Cipher encrypts and decrypts values. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewFromKey returns a cipher using a 32 byte key.
func NewFromKey(key []byte) (*Cipher, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// NewFromPEM derives the key from client certificate PEM content.
func NewFromPEM(certPEM []byte) (*Cipher, error) {
	if len(certPEM) == 0 {
		return nil, errors.New("empty certificate")
	}
	key := sha256.Sum256(certPEM)
	return NewFromKey(key[:])
}

// NewFromPassphrase derives the key from a passphrase with argon2id.
func NewFromPassphrase(passphrase, salt []byte) (*Cipher, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}
	return NewFromKey(argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen))
}

// NewSalt returns a random salt for NewFromPassphrase.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plain under a fresh random nonce.
func (c *Cipher) Encrypt(plain []byte) (models.EncryptedValue, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return models.EncryptedValue{}, fmt.Errorf("generate nonce: %w", err)
	}
	return models.EncryptedValue{
		Algorithm:  Algorithm,
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce, plain, nil),
	}, nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(v models.EncryptedValue) ([]byte, error) {
	if v.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, v.Algorithm)
	}
	if len(v.Nonce) != c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plain, err := c.aead.Open(nil, v.Nonce, v.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
