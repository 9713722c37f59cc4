/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package crypto provides at-rest encryption for driftlog payloads.

ENCRYPTION:
===========
- Algorithm: AES-256-GCM (authenticated encryption)
- Each payload gets a fresh random nonce
- Keys are supplied hex-encoded or derived from a passphrase via PBKDF2

DATA FORMAT:
============

	+-----------------------------------+
	| Nonce (12 bytes)                  |
	+-----------------------------------+
	| Ciphertext (variable)             |
	+-----------------------------------+
	| Auth Tag (16 bytes)               |
	+-----------------------------------+

The encrypted blob is what gets framed by the record codec, so the codec
checksum covers ciphertext. Recovery scans therefore verify integrity
without needing the key.
*/
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required key size for AES-256 (32 bytes).
	KeySize = 32

	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12

	// pbkdf2Iterations follows current OWASP guidance for PBKDF2-SHA256.
	pbkdf2Iterations = 600_000
)

var (
	// ErrInvalidKeySize is returned when the key is not 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: key must be 32 bytes (256 bits)")

	// ErrInvalidKeyFormat is returned when the hex key cannot be decoded.
	ErrInvalidKeyFormat = errors.New("crypto: key must be valid hex-encoded string")

	// ErrCiphertextTooShort is returned when ciphertext is shorter than nonce + tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrDecryptionFailed is returned when decryption or authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption failed - data may be corrupted or tampered")
)

// Encryptor provides AES-256-GCM encryption and decryption.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an Encryptor from a hex-encoded key.
// The key must be 64 hex characters (32 bytes / 256 bits).
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return NewEncryptorFromBytes(key)
}

// NewEncryptorFromBytes creates an Encryptor from raw key bytes.
func NewEncryptorFromBytes(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromPassphrase derives a key from a passphrase with
// PBKDF2-SHA256. The salt must stay stable across restarts or existing
// data becomes unreadable; the data directory path is a common choice.
func NewEncryptorFromPassphrase(passphrase, salt string) (*Encryptor, error) {
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, KeySize, sha256.New)
	return NewEncryptorFromBytes(key)
}

// Encrypt seals the plaintext with a fresh nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+e.gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := e.gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the per-payload size cost of encryption.
func (e *Encryptor) Overhead() int {
	return NonceSize + e.gcm.Overhead()
}

// GenerateKey returns a fresh random key, hex-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// ValidateKey checks that a hex key decodes to the right size.
func ValidateKey(hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return ErrInvalidKeyFormat
	}
	if len(key) != KeySize {
		return ErrInvalidKeySize
	}
	return nil
}
