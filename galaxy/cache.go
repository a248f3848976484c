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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Kind distinguishes the two artifact families the cache stores.
type Kind string

const (
	KindCollection Kind = "collections"
	KindRole       Kind = "roles"
)

// Artifact identifies one cached content-addressed file.
type Artifact struct {
	Kind      Kind
	Namespace string
	Name      string
	Version   string
	Path      string
	Checksum  string
	CachedAt  time.Time
}

// CacheStats are the cache's running counters, per spec.md §4.9.
type CacheStats struct {
	Collections int
	Roles       int
	TotalSize   int64
	Hits        int64
	Misses      int64
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Dir string
}

// Cache is a content-addressed local store for Galaxy artifacts, laid
// out as <dir>/{collections,roles}/<namespace>/<name>/<version>.tar.gz.
type Cache struct {
	dir string

	mu    sync.Mutex
	stats CacheStats
}

// NewCache creates dir (and its collections/roles subtrees) if absent
// and returns a Cache rooted there.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, trace.BadParameter("cache dir is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, string(KindCollection)), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, string(KindRole)), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Cache{dir: cfg.Dir}, nil
}

func (c *Cache) artifactDir(kind Kind, namespace, name string) string {
	return filepath.Join(c.dir, string(kind), namespace, name)
}

func (c *Cache) artifactPath(kind Kind, namespace, name, version string) string {
	return filepath.Join(c.artifactDir(kind, namespace, name), version+".tar.gz")
}

// Get returns the cached artifact for (namespace, name, version) if
// present.
func (c *Cache) Get(kind Kind, namespace, name, version string) (*Artifact, error) {
	path := c.artifactPath(kind, namespace, name, version)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		c.recordMiss(kind)
		return nil, nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	c.recordHit(kind)
	return &Artifact{
		Kind: kind, Namespace: namespace, Name: name, Version: version,
		Path: path, CachedAt: info.ModTime(),
	}, nil
}

// GetLatest returns the most-recently-written cached version under
// (namespace, name), or nil if none is cached.
func (c *Cache) GetLatest(kind Kind, namespace, name string) (*Artifact, error) {
	dir := c.artifactDir(kind, namespace, name)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		c.recordMiss(kind)
		return nil, nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	type candidate struct {
		version string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			version: strings.TrimSuffix(e.Name(), ".tar.gz"),
			modTime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		c.recordMiss(kind)
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	latest := candidates[0]
	c.recordHit(kind)
	return &Artifact{
		Kind: kind, Namespace: namespace, Name: name, Version: latest.version,
		Path: c.artifactPath(kind, namespace, name, latest.version), CachedAt: latest.modTime,
	}, nil
}

// Store writes data under (namespace, name, version), atomically
// (write to a sibling temp file, then rename).
func (c *Cache) Store(kind Kind, namespace, name, version string, data []byte, checksum string) (*Artifact, error) {
	dir := c.artifactDir(kind, namespace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	finalPath := c.artifactPath(kind, namespace, name, version)
	tmpPath := finalPath + ".tmp-" + uuid.NewString()

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, trace.ConvertSystemError(err)
	}

	c.mu.Lock()
	switch kind {
	case KindCollection:
		c.stats.Collections++
	case KindRole:
		c.stats.Roles++
	}
	c.stats.TotalSize += int64(len(data))
	c.mu.Unlock()

	return &Artifact{
		Kind: kind, Namespace: namespace, Name: name, Version: version,
		Path: finalPath, Checksum: checksum, CachedAt: time.Now(),
	}, nil
}

// Remove deletes one cached artifact, if present.
func (c *Cache) Remove(kind Kind, namespace, name, version string) error {
	path := c.artifactPath(kind, namespace, name, version)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Clear wipes the entire cache root and recreates its subtrees.
func (c *Cache) Clear() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Join(c.dir, string(KindCollection)), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Join(c.dir, string(KindRole)), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	c.mu.Lock()
	c.stats = CacheStats{}
	c.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the cache's running counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) recordHit(kind Kind) {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss(kind Kind) {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}
