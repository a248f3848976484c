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

func buildSample(t *testing.T) *Inventory {
	t.Helper()
	inv := New()
	inv.Groups[allGroup].Vars = map[string]any{"env": "prod"}

	web := inv.AddGroup("web")
	web.Vars = map[string]any{"port": 80}

	db := inv.AddGroup("db")
	db.Vars = map[string]any{"port": 5432}

	require.NoError(t, inv.AddChild("web", "db"))

	h := inv.AddHost("host1", "web")
	h.Vars["port"] = 8080

	inv.AddHost("host2", "db")
	inv.AddHost("host3")
	return inv
}

func TestResolveLiteralHost(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("host1")
	require.NoError(t, err)
	require.Equal(t, []string{"host1"}, hosts)
}

func TestResolveGroup(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("web")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1"}, hosts)
}

func TestResolveAll(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("all")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1", "host2", "host3"}, hosts)
}

func TestResolveGlob(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("host*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1", "host2", "host3"}, hosts)
}

func TestResolveComposite(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("host1,host2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1", "host2"}, hosts)
}

func TestResolveUnknownIsError(t *testing.T) {
	inv := buildSample(t)
	_, err := inv.Resolve("nope")
	require.Error(t, err)
}

func TestResolveWithLimit(t *testing.T) {
	inv := buildSample(t)
	hosts, err := inv.Resolve("all", "host1,host2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host1", "host2"}, hosts)
}

func TestAddChildDetectsCycle(t *testing.T) {
	inv := New()
	inv.AddGroup("a")
	inv.AddGroup("b")
	require.NoError(t, inv.AddChild("a", "b"))
	err := inv.AddChild("b", "a")
	require.Error(t, err)
}

func TestEffectiveVarsPrecedence(t *testing.T) {
	inv := buildSample(t)

	vars, err := inv.EffectiveVars("host1")
	require.NoError(t, err)

	// all -> env=prod survives unless overridden.
	require.Equal(t, "prod", vars["env"])
	// host var overrides the group var for the same key.
	require.Equal(t, 8080, vars["port"])
}

func TestEffectiveVarsExtraLayers(t *testing.T) {
	inv := buildSample(t)

	vars, err := inv.EffectiveVars("host2", map[string]any{"port": 9999})
	require.NoError(t, err)
	require.Equal(t, 9999, vars["port"])
}

func TestUngrouped(t *testing.T) {
	inv := buildSample(t)
	require.ElementsMatch(t, []string{"host3"}, inv.Ungrouped())
}
