// Package cryptoutil encrypts provider credential bags at rest with a
// process-wide symmetric key.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// taggedPrefix prefixes ciphertext produced by this package so a Cipher can
// tell its own output apart from unencrypted legacy data written before
// encryption was turned on. It is not secret; it only disambiguates format.
const taggedPrefix = "v1:"

var (
	// ErrCorruptCiphertext is returned by Decrypt when the input is tagged
	// but fails to authenticate or decode.
	ErrCorruptCiphertext = errors.New("cryptoutil: corrupt or tampered ciphertext")

	// ErrLegacyPlaintext is returned by Decrypt when the input carries no
	// tag and the cipher is not configured to pass it through.
	ErrLegacyPlaintext = errors.New("cryptoutil: input is untagged legacy plaintext")
)

// Cipher encrypts and decrypts credential bags with AES-256-GCM, deriving
// its key from a secret string the same way the session cookie codec this
// is grounded on does.
type Cipher struct {
	aead cipher.AEAD

	// legacyPassthrough resolves the credential decrypt fallback open
	// question: when true, Decrypt treats an untagged input as already
	// plaintext instead of failing. Off by default.
	legacyPassthrough bool
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithLegacyPlaintextPassthrough enables decrypting untagged (unencrypted)
// legacy credential bags as plaintext instead of rejecting them. Intended
// only for the migration window after encryption is first enabled.
func WithLegacyPlaintextPassthrough(enabled bool) Option {
	return func(c *Cipher) { c.legacyPassthrough = enabled }
}

// New derives a Cipher from secret. secret must be at least 32 bytes; the
// key itself is always SHA-256 of the secret, so any length input is
// accepted, but short secrets are rejected to avoid an operator
// accidentally running with a low-entropy key.
func New(secret string, opts ...Option) (*Cipher, error) {
	if len(secret) < 32 {
		return nil, errors.New("cryptoutil: secret must be at least 32 bytes")
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create gcm: %w", err)
	}

	c := &Cipher{aead: aead}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt seals plaintext behind a random nonce and returns the tagged,
// base64url-encoded ciphertext suitable for storing in CookieBag.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	buf := make([]byte, 0, len(nonce)+len(sealed))
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return taggedPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Decrypt reverses Encrypt. If stored carries no tag, behavior depends on
// the legacy-passthrough option: pass through as-is, or fail closed.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if len(stored) < len(taggedPrefix) || stored[:len(taggedPrefix)] != taggedPrefix {
		if c.legacyPassthrough {
			return stored, nil
		}
		return "", ErrLegacyPlaintext
	}

	raw, err := base64.RawURLEncoding.DecodeString(stored[len(taggedPrefix):])
	if err != nil {
		return "", ErrCorruptCiphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrCorruptCiphertext
	}

	nonce := raw[:c.aead.NonceSize()]
	ciphertext := raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrCorruptCiphertext
	}
	return string(plaintext), nil
}
