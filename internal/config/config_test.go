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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPrecedenceFileOverFileOverEnv(t *testing.T) {
	dir := t.TempDir()

	system := filepath.Join(dir, "system.toml")
	require.NoError(t, os.WriteFile(system, []byte(`
[defaults]
forks = 1
strategy = "free"
`), 0o600))

	project := filepath.Join(dir, "project.yaml")
	require.NoError(t, os.WriteFile(project, []byte(`
defaults:
  forks: 7
`), 0o600))

	t.Setenv("FLEETCORE_STRATEGY", "linear")

	cfg, err := Load("FLEETCORE", system, "", project)
	require.NoError(t, err)

	require.Equal(t, 7, cfg.Defaults.Forks, "project config overrides system config")
	require.Equal(t, "linear", cfg.Defaults.Strategy, "env overrides file config")
}

func TestLoadMissingFilesAreNotErrors(t *testing.T) {
	cfg, err := Load("FLEETCORE", "/nonexistent/a.toml", "/nonexistent/b.yaml", "")
	require.NoError(t, err)
	require.Equal(t, Builtin().Connection, cfg.Connection)
}

func TestApplyOverridesHighestPrecedence(t *testing.T) {
	cfg := Builtin()
	cfg.Defaults.Forks = 3

	ApplyOverrides(&cfg, Config{Defaults: Defaults{Forks: 99}})
	require.Equal(t, 99, cfg.Defaults.Forks)
}
