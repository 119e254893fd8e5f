// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vault encrypts and decrypts long-lived mailbox refresh tokens using
// AES-256-GCM. Encryption always targets the current key version; decryption
// looks the key up by the version stored alongside the ciphertext, so keys can
// be rotated without re-encrypting existing rows.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// keySize is the AES-256 key length in bytes.
const keySize = 32

// Sealed is the result of one encryption: everything a caller must persist
// to decrypt later. The auth tag is stored separately from the ciphertext.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	KeyVersion int
}

// DecryptionError reports a failed decryption: a tampered/corrupted
// ciphertext, or a key version this vault is not configured with.
type DecryptionError struct {
	KeyVersion int
	Reason     string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt with key version %d: %s", e.KeyVersion, e.Reason)
}

// Vault holds the current encryption key plus historical keys by version.
type Vault struct {
	current int
	keys    map[int][]byte
}

// New creates a vault. keys maps version -> 32-byte key and must contain
// currentVersion.
func New(currentVersion int, keys map[int][]byte) (*Vault, error) {
	if _, ok := keys[currentVersion]; !ok {
		return nil, fmt.Errorf("current key version %d not present in key set", currentVersion)
	}
	for version, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("key version %d: expected %d bytes, got %d", version, keySize, len(key))
		}
	}
	return &Vault{current: currentVersion, keys: keys}, nil
}

// CurrentVersion returns the key version new encryptions are written with.
func (v *Vault) CurrentVersion() int { return v.current }

// Encrypt seals plaintext with the current key and a random nonce.
func (v *Vault) Encrypt(plaintext string) (*Sealed, error) {
	gcm, err := v.cipherFor(v.current)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return &Sealed{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		AuthTag:    sealed[tagStart:],
		KeyVersion: v.current,
	}, nil
}

// Decrypt opens a previously sealed value using the key version it was
// encrypted with. Returns *DecryptionError when the key version is unknown
// or the auth tag check fails.
func (v *Vault) Decrypt(s *Sealed) (string, error) {
	if _, ok := v.keys[s.KeyVersion]; !ok {
		return "", &DecryptionError{KeyVersion: s.KeyVersion, Reason: "key version not configured"}
	}

	gcm, err := v.cipherFor(s.KeyVersion)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.AuthTag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.AuthTag...)

	plaintext, err := gcm.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return "", &DecryptionError{KeyVersion: s.KeyVersion, Reason: "authentication failed"}
	}

	return string(plaintext), nil
}

func (v *Vault) cipherFor(version int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.keys[version])
	if err != nil {
		return nil, fmt.Errorf("init cipher for key version %d: %w", version, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM for key version %d: %w", version, err)
	}
	return gcm, nil
}
