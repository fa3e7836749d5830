package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"replypilot/config"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals stored mailbox credentials with AES-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher accepts a 16, 24 or 32 byte key.
func NewCipher(key string) (*Cipher, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal returns nonce||ciphertext, URL-safe base64 encoded. Empty input stays empty.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, body := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt seals with the configured ENCRYPTION_KEY.
func Encrypt(plaintext string) (string, error) {
	c, err := NewCipher(config.AppConfig.EncryptionKey)
	if err != nil {
		return "", err
	}
	return c.Seal(plaintext)
}

// Decrypt opens a value sealed by Encrypt.
func Decrypt(ciphertext string) (string, error) {
	c, err := NewCipher(config.AppConfig.EncryptionKey)
	if err != nil {
		return "", err
	}
	return c.Open(ciphertext)
}
