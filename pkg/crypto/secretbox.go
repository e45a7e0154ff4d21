package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("secretbox key must be exactly 32 bytes")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

const nonceSize = 24

// Seal шифрует секрет позиции (приватный ключ) через NaCl secretbox
// (XSalsa20-Poly1305). Возвращает base64-строку nonce||ciphertext,
// пригодную для хранения в БД.
func Seal(plaintext []byte, key []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrInvalidKeyLength
	}

	var boxKey [32]byte
	copy(boxKey[:], key)

	// Генерируем случайный nonce
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	// secretbox добавляет аутентификационный тег автоматически
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &boxKey)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает base64-строку, созданную Seal
func Open(sealedBase64 string, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedBase64)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	var boxKey [32]byte
	copy(boxKey[:], key)

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &boxKey)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// GenerateKey генерирует криптографически стойкий случайный ключ (32 байта)
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey проверяет, что ключ имеет правильную длину
func ValidateKey(key []byte) error {
	if len(key) != 32 {
		return ErrInvalidKeyLength
	}
	return nil
}
