// Package cryptutil provides the loadctl-scheduler and loadctl-ctl
// binaries' concrete domain.Decryptor: encryption is explicitly orthogonal
// to the engine (the embedder supplies the Decryptor), so this is the
// reference embedding, not part of the engine itself.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"os"
)

// AESGCMDecryptor decrypts ciphertexts produced by AES-256-GCM with the
// nonce prepended to the sealed output, the conventional cipher.AEAD
// layout.
type AESGCMDecryptor struct {
	aead cipher.AEAD
}

// NewAESGCMDecryptor reads a 32-byte key from keyPath and builds an
// AES-256-GCM decryptor around it.
func NewAESGCMDecryptor(keyPath string) (*AESGCMDecryptor, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: read key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptutil: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: new gcm: %w", err)
	}
	return &AESGCMDecryptor{aead: aead}, nil
}

// Decrypt implements domain.Decryptor.
func (d *AESGCMDecryptor) Decrypt(ciphertext []byte) (string, error) {
	nonceSize := d.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("cryptutil: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := d.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("cryptutil: open: %w", err)
	}
	return string(plaintext), nil
}

// PassthroughDecryptor treats sql_text as cleartext, used in dev when no
// encryption key is configured.
type PassthroughDecryptor struct{}

// Decrypt implements domain.Decryptor.
func (PassthroughDecryptor) Decrypt(ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}
