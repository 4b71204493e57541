package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EnvelopePrefix marks a value produced by TokenCipher. Stored values
// without it are treated as plaintext tokens written before encryption was
// enabled.
const EnvelopePrefix = "shopify.token.v1:"

const algorithmAESGCM = "aes-gcm"

type Option func(*TokenCipher)

// TokenCipher seals session access tokens with AES-GCM so they are never
// stored in the clear.
type TokenCipher struct {
	key   []byte
	keyID string

	// previous keys stay readable after a rotation.
	previous map[string][]byte
}

type envelope struct {
	KeyID      string `json:"kid"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func WithKeyID(id string) Option {
	return func(c *TokenCipher) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			c.keyID = trimmed
		}
	}
}

// WithPreviousKey keeps a retired key available for decryption.
func WithPreviousKey(id string, keyMaterial []byte) Option {
	return func(c *TokenCipher) {
		id = strings.TrimSpace(id)
		key := bytes.TrimSpace(keyMaterial)
		if id == "" || len(key) == 0 {
			return
		}
		c.previous[id] = normalizeKey(key)
	}
}

func NewTokenCipher(keyMaterial []byte, opts ...Option) (*TokenCipher, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	c := &TokenCipher{
		key:      normalizeKey(key),
		keyID:    "app-key",
		previous: map[string][]byte{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	delete(c.previous, c.keyID)
	return c, nil
}

func NewTokenCipherFromString(key string, opts ...Option) (*TokenCipher, error) {
	return NewTokenCipher([]byte(key), opts...)
}

func (c *TokenCipher) KeyID() string {
	if c == nil {
		return ""
	}
	return c.keyID
}

// EncryptToken returns the sealed envelope for token. Empty tokens stay
// empty.
func (c *TokenCipher) EncryptToken(_ context.Context, token string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("security: token cipher is nil")
	}
	if token == "" {
		return "", nil
	}
	gcm, err := newGCM(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(token), []byte(c.keyID))
	data, err := json.Marshal(envelope{
		KeyID:      c.keyID,
		Algorithm:  algorithmAESGCM,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", fmt.Errorf("security: encode envelope: %w", err)
	}
	return EnvelopePrefix + string(data), nil
}

// DecryptToken opens a value produced by EncryptToken with the current or a
// previous key. Values without the envelope prefix are returned unchanged.
func (c *TokenCipher) DecryptToken(_ context.Context, stored string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("security: token cipher is nil")
	}
	if !IsSealed(stored) {
		return stored, nil
	}

	var parsed envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(stored, EnvelopePrefix)), &parsed); err != nil {
		return "", fmt.Errorf("security: decode envelope: %w", err)
	}
	if parsed.Algorithm != "" && parsed.Algorithm != algorithmAESGCM {
		return "", fmt.Errorf("security: unsupported algorithm %q", parsed.Algorithm)
	}
	key, err := c.keyFor(parsed.KeyID)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(parsed.Nonce)
	if err != nil {
		return "", fmt.Errorf("security: decode nonce: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(parsed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("security: decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, payload, []byte(parsed.KeyID))
	if err != nil {
		return "", fmt.Errorf("security: decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether stored was sealed with a key other than the
// current one, including plaintext values.
func (c *TokenCipher) NeedsRotation(stored string) bool {
	if c == nil || stored == "" {
		return false
	}
	if !IsSealed(stored) {
		return true
	}
	var parsed envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(stored, EnvelopePrefix)), &parsed); err != nil {
		return false
	}
	return parsed.KeyID != c.keyID
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}

func (c *TokenCipher) keyFor(id string) ([]byte, error) {
	if id == "" || id == c.keyID {
		return c.key, nil
	}
	if key, ok := c.previous[id]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("security: unknown key id %q", id)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

// normalizeKey keeps valid AES key sizes and hashes anything else to 32
// bytes.
func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}
