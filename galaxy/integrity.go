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
	"crypto/subtle"
	"encoding/hex"
	"hash"

	"github.com/gravitational/trace"
)

// ChecksumAlgorithm names a supported digest algorithm for artifact
// integrity verification, per spec.md §4.9.
type ChecksumAlgorithm string

const (
	SHA256 ChecksumAlgorithm = "sha256"
	SHA1   ChecksumAlgorithm = "sha1"
	MD5    ChecksumAlgorithm = "md5"
)

func newHash(alg ChecksumAlgorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, trace.BadParameter("unsupported checksum algorithm %q", alg)
	}
}

// Verify recomputes data's digest under alg and compares it against
// expectedHex in constant time, so a timing side-channel can't be used
// to guess a valid digest byte-by-byte.
func Verify(data []byte, alg ChecksumAlgorithm, expectedHex string) (bool, error) {
	h, err := newHash(alg)
	if err != nil {
		return false, trace.Wrap(err)
	}
	h.Write(data)
	actual := hex.EncodeToString(h.Sum(nil))

	if len(actual) != len(expectedHex) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHex)) == 1, nil
}
