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

package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	plaintexts := [][]byte{
		[]byte("hello world"),
		[]byte(""),
		[]byte("multi\nline\nsecret with 'quotes' and \"doubles\""),
	}
	for _, pt := range plaintexts {
		blob, err := Encrypt(pt, "correct horse battery staple")
		require.NoError(t, err)
		require.True(t, IsEncrypted(blob))

		got, err := Decrypt(blob, "correct horse battery staple")
		require.NoError(t, err)
		require.Equal(t, pt, got)
	}
}

func TestDecryptWrongPassphraseIsUndifferentiated(t *testing.T) {
	blob, err := Encrypt([]byte("top secret"), "pw1")
	require.NoError(t, err)

	_, err = Decrypt(blob, "pw2")
	require.Error(t, err)
	require.Equal(t, "decryption failed", err.Error())
}

func TestDecryptCorruptBlobSameError(t *testing.T) {
	blob, err := Encrypt([]byte("top secret"), "pw1")
	require.NoError(t, err)
	blob[len(blob)-5] ^= 0xFF

	_, err = Decrypt(blob, "pw1")
	require.Error(t, err)
	require.Equal(t, "decryption failed", err.Error())
}

func TestIsEncrypted(t *testing.T) {
	blob, err := Encrypt([]byte("x"), "pw")
	require.NoError(t, err)

	require.True(t, IsEncrypted(blob))
	require.True(t, IsEncrypted([]byte("  \n"+string(blob))))
	require.False(t, IsEncrypted([]byte("plain text")))
}

func TestRekey(t *testing.T) {
	blob, err := Encrypt([]byte("rotate me"), "old-pw")
	require.NoError(t, err)

	rekeyed, err := Rekey(blob, "old-pw", "new-pw")
	require.NoError(t, err)

	_, err = Decrypt(rekeyed, "old-pw")
	require.Error(t, err)

	got, err := Decrypt(rekeyed, "new-pw")
	require.NoError(t, err)
	require.Equal(t, []byte("rotate me"), got)
}

func TestDecryptUnknownVersion(t *testing.T) {
	bad := []byte("$VAULT;9.9;AES256-GCM\nYWJjZA==\n")
	_, err := Decrypt(bad, "pw")
	require.Error(t, err)
	require.Equal(t, "decryption failed", err.Error())
}
