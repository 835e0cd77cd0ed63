package claim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewRedemptionCode draws 16 bytes from crypto/rand (128 bits of entropy) and
// encodes them as base32 for hand-entry at the till.
func NewRedemptionCode() (string, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("code gen: %w", err)
	}
	return codeEncoding.EncodeToString(raw), nil
}

// HashRedemptionCode produces the SHA256 hex digest used for indexed lookup.
func HashRedemptionCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// DeriveCodeKey stretches the configured secret into an AES-256 key.
func DeriveCodeKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// EncryptRedemptionCode encrypts the plaintext code at rest (AES-256-GCM,
// nonce prepended).
func EncryptRedemptionCode(plain string, key [32]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce gen: %w", err)
	}
	return aesgcm.Seal(nonce, nonce, []byte(plain), nil), nil
}

// DecryptRedemptionCode recovers the plaintext code for support tooling.
func DecryptRedemptionCode(enc []byte, key [32]byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm init: %w", err)
	}
	nonceSize := aesgcm.NonceSize()
	if len(enc) < nonceSize {
		return "", fmt.Errorf("invalid ciphertext")
	}
	nonce, ciphertext := enc[:nonceSize], enc[nonceSize:]
	plain, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
