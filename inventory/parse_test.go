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

package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
all:
  vars:
    env: prod
  children:
    web:
      hosts:
        host1:
          ansible_host: 10.0.0.1
      vars:
        port: 80
    db:
      hosts:
        host2: {}
`

func TestParseYAML(t *testing.T) {
	inv, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	require.Contains(t, inv.Hosts, "host1")
	require.Contains(t, inv.Hosts, "host2")
	require.True(t, inv.Hosts["host1"].Groups["web"])
	require.Equal(t, "10.0.0.1", inv.Hosts["host1"].Vars["ansible_host"])
	require.Equal(t, 80, inv.Groups["web"].Vars["port"])
}

const sampleJSON = `{"all":{"children":{"web":{"hosts":{"host1":{}}}}}}`

func TestParseJSON(t *testing.T) {
	inv, err := ParseJSON([]byte(sampleJSON))
	require.NoError(t, err)
	require.Contains(t, inv.Hosts, "host1")
	require.True(t, inv.Hosts["host1"].Groups["web"])
}

const sampleINI = `
host0 env=default

[web]
host1 ansible_host=10.0.0.1 enabled=true
host2

[web:vars]
port=80

[db]
host3

[prod:children]
web
db
`

func TestParseINI(t *testing.T) {
	inv, err := ParseINI([]byte(sampleINI))
	require.NoError(t, err)

	require.Contains(t, inv.Hosts, "host0")
	require.Contains(t, inv.Hosts, "host1")
	require.True(t, inv.Hosts["host1"].Groups["web"])
	require.Equal(t, "10.0.0.1", inv.Hosts["host1"].Vars["ansible_host"])
	require.Equal(t, true, inv.Hosts["host1"].Vars["enabled"])
	require.Equal(t, "80", inv.Groups["web"].Vars["port"])

	members, err := inv.Resolve("prod")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1", "host2", "host3"}, members)
}

func TestParseAutoSniffsJSON(t *testing.T) {
	inv, err := ParseAuto([]byte(sampleJSON))
	require.NoError(t, err)
	require.Contains(t, inv.Hosts, "host1")
}

func TestParseAutoSniffsYAML(t *testing.T) {
	inv, err := ParseAuto([]byte(sampleYAML))
	require.NoError(t, err)
	require.Contains(t, inv.Hosts, "host1")
}

func TestParseAutoFallsBackOnEmptyYAMLParse(t *testing.T) {
	// "host1:" is valid YAML (a one-key mapping with an unrecognized
	// top-level key, silently ignored), so ParseYAML used to return an
	// empty-but-no-error Inventory for it. It is also a plausible
	// (if unusual) bare INI host line. ParseAuto must prefer the INI
	// reading, since that's the one that actually finds a host.
	const bareHostLine = "host1:\n"

	yamlOnly, err := ParseYAML([]byte(bareHostLine))
	require.NoError(t, err)
	require.Empty(t, yamlOnly.Hosts)

	inv, err := ParseAuto([]byte(bareHostLine))
	require.NoError(t, err)
	require.NotEmpty(t, inv.Hosts)
}

func TestParseAutoEmptyInputGoesToINI(t *testing.T) {
	inv, err := ParseAuto([]byte("   \n\n  "))
	require.NoError(t, err)
	require.Empty(t, inv.Hosts)
}

func TestParseFileByExtension(t *testing.T) {
	inv, err := ParseFile("hosts.yml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Contains(t, inv.Hosts, "host1")
}
