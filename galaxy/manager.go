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
	"context"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Manager coordinates the Client and Cache: cache-first resolution,
// download-then-store on miss, integrity verification, and an offline
// mode that never touches the network, per spec.md §4.9.
type Manager struct {
	client *Client
	cache  *Cache
	log    logrus.FieldLogger

	offline atomic.Bool
}

// NewManager builds a Manager over client and cache. client may be nil
// iff offline is true at construction (no fetch will ever dial out).
func NewManager(client *Client, cache *Cache, offline bool) *Manager {
	m := &Manager{
		client: client,
		cache:  cache,
		log:    logrus.WithField(trace.Component, "galaxy"),
	}
	m.offline.Store(offline)
	return m
}

// SetOffline toggles offline mode.
func (m *Manager) SetOffline(offline bool) { m.offline.Store(offline) }

// IsOffline reports whether offline mode is enabled.
func (m *Manager) IsOffline() bool { return m.offline.Load() }

// FetchCollection resolves namespace.name at version (or the latest
// published version, if version is empty) to a cached local artifact,
// downloading and verifying it on a cache miss. In offline mode only
// the cache is consulted; a miss is an error.
func (m *Manager) FetchCollection(ctx context.Context, name, version string) (*Artifact, error) {
	ns, n, err := splitNamespaceName(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if m.IsOffline() {
		return m.fetchFromCacheOnly(KindCollection, ns, n, version)
	}

	if version != "" {
		if a, err := m.cache.Get(KindCollection, ns, n, version); err != nil {
			return nil, trace.Wrap(err)
		} else if a != nil {
			return a, nil
		}
	}

	v, err := m.resolveVersion(ctx, name, version)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if v.Version != version {
		if a, err := m.cache.Get(KindCollection, ns, n, v.Version); err != nil {
			return nil, trace.Wrap(err)
		} else if a != nil {
			return a, nil
		}
	}

	data, err := m.client.DownloadCollection(ctx, v.DownloadURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if v.SHA256 != "" {
		ok, err := Verify(data, SHA256, v.SHA256)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			return nil, trace.BadParameter("checksum mismatch for %s@%s", name, v.Version)
		}
	}

	artifact, err := m.cache.Store(KindCollection, ns, n, v.Version, data, v.SHA256)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return artifact, nil
}

// FetchRole resolves a role (by "namespace.name" or bare name) at
// version (or its latest tagged release, if version is empty) to a
// cached local artifact, downloading it from its source repository on
// a cache miss. Roles have no published checksum, so only the cache's
// content addressing (not a digest check) guards against corruption.
// In offline mode only the cache is consulted; a miss is an error.
func (m *Manager) FetchRole(ctx context.Context, name, version string) (*Artifact, error) {
	ns, n, err := splitNamespaceName(name)
	if err != nil {
		ns, n = "_", name
	}

	if m.IsOffline() {
		return m.fetchFromCacheOnly(KindRole, ns, n, version)
	}

	if version != "" {
		if a, err := m.cache.Get(KindRole, ns, n, version); err != nil {
			return nil, trace.Wrap(err)
		} else if a != nil {
			return a, nil
		}
	}

	info, err := m.client.GetRoleInfo(ctx, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolved := version
	if resolved == "" {
		versions, err := m.client.ListRoleVersions(ctx, info.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(versions) == 0 {
			return nil, trace.NotFound("role %q has no tagged releases", name)
		}
		resolved = versions[len(versions)-1].Name
	}

	if a, err := m.cache.Get(KindRole, ns, n, resolved); err != nil {
		return nil, trace.Wrap(err)
	} else if a != nil {
		return a, nil
	}

	data, err := m.client.DownloadRole(ctx, info, resolved)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	artifact, err := m.cache.Store(KindRole, ns, n, resolved, data, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return artifact, nil
}

func (m *Manager) resolveVersion(ctx context.Context, name, version string) (*CollectionVersion, error) {
	if version != "" {
		return m.client.GetCollectionVersion(ctx, name, version)
	}
	versions, err := m.client.ListCollectionVersions(ctx, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(versions) == 0 {
		return nil, trace.NotFound("collection %q has no published versions", name)
	}
	return pickLatest(versions)
}

// pickLatest picks the highest semantic version among versions. A
// version that fails to parse as semver falls back to lexical
// comparison against other unparsable versions, and always loses to
// any version that did parse.
func pickLatest(versions []CollectionVersion) (*CollectionVersion, error) {
	latest := versions[0]
	latestSem, latestErr := semver.NewVersion(latest.Version)
	for _, v := range versions[1:] {
		sem, err := semver.NewVersion(v.Version)
		switch {
		case err == nil && latestErr == nil:
			if sem.GreaterThan(latestSem) {
				latest, latestSem = v, sem
			}
		case err == nil && latestErr != nil:
			latest, latestSem, latestErr = v, sem, nil
		case err != nil && latestErr != nil:
			if v.Version > latest.Version {
				latest, latestErr = v, err
			}
		}
	}
	return &latest, nil
}

func (m *Manager) fetchFromCacheOnly(kind Kind, namespace, name, version string) (*Artifact, error) {
	if version != "" {
		a, err := m.cache.Get(kind, namespace, name, version)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if a == nil {
			return nil, trace.NotFound("%s.%s@%s is not cached and offline mode is enabled", namespace, name, version)
		}
		return a, nil
	}

	a, err := m.cache.GetLatest(kind, namespace, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if a == nil {
		return nil, trace.NotFound("%s.%s is not cached and offline mode is enabled", namespace, name)
	}
	return a, nil
}

// ClearCache wipes the local cache.
func (m *Manager) ClearCache() error {
	return trace.Wrap(m.cache.Clear())
}

// CacheStats returns the local cache's running counters.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}
