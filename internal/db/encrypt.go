package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the AES-256 key behind EncryptedString. Set once at
// startup via InitEncryption, before any row with encrypted columns is read
// or written.
var encryptionKey []byte

// InitEncryption derives the AES-256 key for at-rest encryption from the
// operator-provided secret. The secret is hashed, so any non-empty string
// works; changing it makes previously stored credentials undecryptable.
func InitEncryption(secret []byte) error {
	if len(secret) == 0 {
		return errors.New("db: encryption secret must not be empty")
	}
	sum := sha256.Sum256(secret)
	encryptionKey = sum[:]
	return nil
}

// EncryptedString is a string column encrypted with AES-256-GCM on write and
// decrypted on read. Device and group passwords use it. The stored form is
// base64(nonce + ciphertext + tag); the empty string is stored as-is.
type EncryptedString string

func aead() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("db: encryption not initialized, call db.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: gcm: %w", err)
	}
	return gcm, nil
}

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	gcm, err := aead()
	if err != nil {
		return nil, err
	}

	// GCM is only safe with a fresh nonce per encryption under one key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value any) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	gcm, err := aead()
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decode encrypted value: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return errors.New("db: encrypted value shorter than nonce")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("db: decrypt value: %w", err)
	}
	*e = EncryptedString(plain)
	return nil
}
