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

package main

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/galaxy"
)

// GalaxyOptions configures one content-fetch invocation against the
// Galaxy manager.
type GalaxyOptions struct {
	CacheDir   string
	ServerURL  string
	Offline    bool
	Kind       galaxy.Kind
	Name       string
	Version    string
}

// FetchGalaxyArtifact wires a galaxy.Client and galaxy.Cache into a
// Manager and resolves one named collection or role, downloading and
// caching it on a miss.
func FetchGalaxyArtifact(ctx context.Context, opts GalaxyOptions) (*galaxy.Artifact, error) {
	cache, err := galaxy.NewCache(galaxy.CacheConfig{Dir: opts.CacheDir})
	if err != nil {
		return nil, trace.Wrap(err, "opening galaxy cache at %q", opts.CacheDir)
	}

	var client *galaxy.Client
	if !opts.Offline {
		client = galaxy.NewClient(galaxy.ClientConfig{
			ServerURL:  opts.ServerURL,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		})
	}

	manager := galaxy.NewManager(client, cache, opts.Offline)

	switch opts.Kind {
	case galaxy.KindRole:
		return manager.FetchRole(ctx, opts.Name, opts.Version)
	default:
		return manager.FetchCollection(ctx, opts.Name, opts.Version)
	}
}
