package storage

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

// Encryptor 加密器接口，用于受保护笔记的内容
type Encryptor interface {
	// EncryptToString 加密并返回 Base64 编码的字符串
	EncryptToString(plaintext []byte) (string, error)

	// DecryptFromString 从 Base64 编码的字符串解密
	DecryptFromString(ciphertext string) ([]byte, error)
}

// AESGCMEncryptor AES-GCM 加密器
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

// NewAESGCMEncryptor 创建 AES-GCM 加密器
// key 必须是 16, 24, 或 32 字节，分别对应 AES-128, AES-192, 或 AES-256
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid key size: %d (must be 16, 24, or 32 bytes)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

// NewPassphraseEncryptor derives an AES-256 key from a passphrase, as read
// from the storage.encryption_key setting.
func NewPassphraseEncryptor(passphrase string) (*AESGCMEncryptor, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := sha256.Sum256([]byte(passphrase))
	return NewAESGCMEncryptor(key[:])
}

// EncryptToString seals plaintext; the random nonce is prepended.
func (e *AESGCMEncryptor) EncryptToString(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptFromString reverses EncryptToString.
func (e *AESGCMEncryptor) DecryptFromString(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
