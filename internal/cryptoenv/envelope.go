// Package cryptoenv provides the symmetric authenticated encryption the
// secrets vault uses to protect stored secret values at rest.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const versionPrefix = "v1:"

// ErrInvalidCiphertext is returned when a ciphertext cannot be decoded,
// is too short to contain a nonce, or fails AEAD authentication.
var ErrInvalidCiphertext = errors.New("cryptoenv: invalid or tampered ciphertext")

func deriveKey(masterKey, subject []byte, info string) ([]byte, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	mac := hmac.New(sha256.New, masterKey)
	_, _ = mac.Write([]byte(info))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(subject)
	return mac.Sum(nil), nil
}

func aad(subject []byte, info string) []byte {
	buf := make([]byte, 0, len(info)+1+len(subject))
	buf = append(buf, info...)
	buf = append(buf, 0)
	buf = append(buf, subject...)
	return buf
}

// Encrypt encrypts plaintext with a key derived from masterKey, subject and
// info. The output is ASCII-safe: "v1:" + base64url(nonce|ciphertext).
// Each call uses a fresh random nonce, so Encrypt is randomised even for
// identical plaintext/subject pairs.
func Encrypt(masterKey, subject []byte, info string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}

	key, err := deriveKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, aad(subject, info))

	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	return []byte(versionPrefix + base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Decrypt reverses Encrypt. It returns ErrInvalidCiphertext on tamper,
// truncation, or a key/subject/info mismatch — never a lower-level crypto
// error, so callers can treat every failure mode uniformly.
func Decrypt(masterKey, subject []byte, info string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}

	encoded := strings.TrimPrefix(strings.TrimSpace(string(ciphertext)), versionPrefix)

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	key, err := deriveKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, aad(subject, info))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
