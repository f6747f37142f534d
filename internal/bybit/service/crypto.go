package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"tradepilot/internal/bybit/entity"
)

const credentialsKeyInfo = "tradepilot/api-credentials"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// deriveKey выводит 32-байтовый ключ AES-256 из секрета процесса
func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(credentialsKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptAES шифрует данные с использованием AES-GCM
func EncryptAES(plainText, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	cipherText := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(cipherText), nil
}

// DecryptAES расшифровывает данные с использованием AES-GCM
func DecryptAES(cipherText, secret string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, cipherTextBytes := data[:nonceSize], data[nonceSize:]
	plainText, err := gcm.Open(nil, nonce, cipherTextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plainText), nil
}

// DecryptCredentials расшифровывает пару ключей пользователя.
// Пустые значения означают, что пользователь ещё не подключил биржу.
func DecryptCredentials(encKey, encSecret, secret string) (*entity.Credentials, error) {
	if encKey == "" || encSecret == "" {
		return nil, ErrNoCredentials
	}
	apiKey, err := DecryptAES(encKey, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	apiSecret, err := DecryptAES(encSecret, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api secret: %w", err)
	}
	return &entity.Credentials{APIKey: apiKey, SecretKey: apiSecret}, nil
}
