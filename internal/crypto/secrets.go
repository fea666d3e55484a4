// Package crypto implements the gateway's encryption primitives (C1):
// AEAD encrypt/decrypt of upstream secrets, token minting, and token
// hashing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	encPrefix   = "$bgw_enc$"
	encV1Prefix = "$bgw_enc$v1$"

	// tokenBytes is the raw entropy size for a minted proxy token — 32 bytes
	// of cryptographic randomness per spec.md §4.1.
	tokenBytes = 32
)

// Secrets performs AES-256-GCM encryption/decryption of credential secrets
// and mints/hashes bearer tokens. The zero value is not usable; construct
// via NewSecrets.
type Secrets struct {
	primaryKey []byte
	oldKeys    [][]byte
}

// NewSecrets builds a Secrets keyed by a base64-encoded 32-byte AES key.
// Additional old keys may be supplied for rotation — they are tried during
// decryption if the primary key fails. Per §4.1, a missing or malformed
// master key is a FatalInitError at startup, so this constructor returns an
// error rather than silently disabling encryption.
func NewSecrets(currentKeyBase64 string, oldKeysBase64 ...string) (*Secrets, error) {
	primaryKey, err := decodeKey(currentKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid master key: %w", err)
	}

	var oldKeys [][]byte
	for i, k := range oldKeysBase64 {
		if k == "" {
			continue
		}
		decoded, err := decodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid old key [%d]: %w", i, err)
		}
		oldKeys = append(oldKeys, decoded)
	}

	return &Secrets{primaryKey: primaryKey, oldKeys: oldKeys}, nil
}

func decodeKey(keyBase64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (AES-256), got %d", len(key))
	}
	return key, nil
}

// Encrypt encrypts plaintext using the primary key. Ciphertext is
// self-describing: it embeds a freshly generated nonce, so
// Decrypt(Encrypt(s)) == s holds for every call even though each call
// produces different bytes.
func (s *Secrets) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.primaryKey)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher error: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: gcm error: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce generation error: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encV1Prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt, trying the primary key and then each old key in
// order so that secrets encrypted under a rotated-out key still decode.
func (s *Secrets) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return "", fmt.Errorf("crypto: value missing encryption prefix")
	}
	payload := strings.TrimPrefix(strings.TrimPrefix(value, encV1Prefix), encPrefix)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid base64: %w", err)
	}

	keys := append([][]byte{s.primaryKey}, s.oldKeys...)
	for _, key := range keys {
		if plaintext, err := decryptWithKey(key, data); err == nil {
			return plaintext, nil
		}
	}
	return "", fmt.Errorf("crypto: decryption failed with all keys")
}

func decryptWithKey(key, data []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// MintToken returns 32 bytes of cryptographic randomness, URL-safe
// base64-encoded, suitable as an opaque bearer token shown once to the
// caller.
func MintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("crypto: token generation error: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the deterministic SHA-256 digest of a token, used as
// the lookup key so plaintext tokens are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two token hashes without leaking timing
// information — used where callers compare attacker-supplied values.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
