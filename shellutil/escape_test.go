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

package shellutil

import (
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{
		"hello",
		"it's a trap",
		`$HOME`,
		"line1\nline2",
		`back\slash`,
		"",
		"''''",
		"a 'b' c",
	}

	for _, s := range cases {
		s := s
		t.Run(s, func(t *testing.T) {
			t.Parallel()
			out, err := exec.Command("sh", "-c", fmt.Sprintf("printf '%%s' %s", Escape(s))).CombinedOutput()
			require.NoError(t, err)
			require.Equal(t, s, string(out))
		})
	}
}

func TestEscapeEmpty(t *testing.T) {
	require.Equal(t, "''", Escape(""))
}
