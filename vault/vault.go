/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vault implements the engine's symmetric secrets container: an
// Argon2id-derived-key, AES-256-GCM encrypted blob in a stable armoured
// on-disk format, usable as a standalone file or embedded in playbook
// YAML as a string.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
)

const (
	// Header is the first line of every vault blob.
	headerPrefix = "$VAULT"
	version1_0   = "1.0"
	cipherName   = "AES256-GCM"

	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	wrapWidth = 80

	// Argon2id parameters. Chosen to be reasonably expensive on a single
	// CPU core without making interactive use painful.
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// errDecryptionFailed is the single, undifferentiated error returned for
// every decrypt failure: wrong passphrase, corrupt ciphertext, or a bad
// authentication tag all look identical to a caller.
var errDecryptionFailed = trace.AccessDenied("decryption failed")

// Encrypt produces an armoured v1.0 vault blob encrypting plaintext
// under passphrase.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, trace.Wrap(err, "generating salt")
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}

	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil) // ciphertext‖tag

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	var buf bytes.Buffer
	buf.WriteString(headerPrefix + ";" + version1_0 + ";" + cipherName + "\n")
	buf.WriteString(wrap(base64.StdEncoding.EncodeToString(payload), wrapWidth))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decrypt reverses Encrypt. Any failure — unknown version, malformed
// body, or a wrong passphrase — collapses to a single "decryption
// failed" error so an attacker (or a confused user) learns nothing
// about which check tripped.
func Decrypt(blob []byte, passphrase string) ([]byte, error) {
	header, body, err := splitHeader(blob)
	if err != nil {
		return nil, trace.Wrap(errDecryptionFailed)
	}
	if header.version != version1_0 || header.cipher != cipherName {
		return nil, trace.Wrap(errDecryptionFailed)
	}

	payload, err := base64.StdEncoding.DecodeString(stripWrap(body))
	if err != nil {
		return nil, trace.Wrap(errDecryptionFailed)
	}
	if len(payload) < saltSize+nonceSize+aes.BlockSize {
		return nil, trace.Wrap(errDecryptionFailed)
	}

	salt := payload[:saltSize]
	nonce := payload[saltSize : saltSize+nonceSize]
	ciphertext := payload[saltSize+nonceSize:]

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(errDecryptionFailed)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(errDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, trace.Wrap(errDecryptionFailed)
	}
	return plaintext, nil
}

// Rekey decrypts blob under oldPassphrase and re-encrypts the resulting
// plaintext under newPassphrase, drawing a fresh salt and nonce.
func Rekey(blob []byte, oldPassphrase, newPassphrase string) ([]byte, error) {
	plaintext, err := Decrypt(blob, oldPassphrase)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return Encrypt(plaintext, newPassphrase)
}

// IsEncrypted reports whether bytes look like a vault blob: the first
// line, after trimming leading whitespace, begins with "$VAULT".
func IsEncrypted(data []byte) bool {
	s := strings.TrimLeft(string(data), " \t\r\n")
	nl := strings.IndexByte(s, '\n')
	if nl >= 0 {
		s = s[:nl]
	}
	return strings.HasPrefix(strings.TrimSpace(s), headerPrefix)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

type vaultHeader struct {
	version string
	cipher  string
}

func splitHeader(blob []byte) (vaultHeader, string, error) {
	s := strings.TrimLeft(string(blob), " \t\r\n")
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return vaultHeader{}, "", trace.BadParameter("missing header line")
	}
	headerLine := strings.TrimRight(s[:idx], "\r")
	rest := s[idx+1:]

	fields := strings.Split(headerLine, ";")
	if len(fields) != 3 || fields[0] != headerPrefix {
		return vaultHeader{}, "", trace.BadParameter("malformed vault header")
	}
	return vaultHeader{version: fields[1], cipher: fields[2]}, rest, nil
}

func wrap(s string, width int) string {
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

func stripWrap(s string) string {
	return strings.NewReplacer("\n", "", "\r", "", " ", "", "\t", "").Replace(s)
}
