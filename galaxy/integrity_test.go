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

package galaxy

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySHA256Match(t *testing.T) {
	data := []byte("collection tarball bytes")
	sum := sha256.Sum256(data)

	ok, err := Verify(data, SHA256, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyMismatch(t *testing.T) {
	ok, err := Verify([]byte("actual"), SHA256, "0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	_, err := Verify([]byte("x"), ChecksumAlgorithm("crc32"), "abc")
	require.Error(t, err)
}

func TestVerifyMD5AndSHA1(t *testing.T) {
	data := []byte("payload")

	sha1Sum := sha1.Sum(data)
	okSHA1, err := Verify(data, SHA1, hex.EncodeToString(sha1Sum[:]))
	require.NoError(t, err)
	require.True(t, okSHA1)

	md5Sum := md5.Sum(data)
	okMD5, err := Verify(data, MD5, hex.EncodeToString(md5Sum[:]))
	require.NoError(t, err)
	require.True(t, okMD5)
}
