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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheStoreAndGet(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Store(KindCollection, "community", "general", "5.0.0", []byte("payload"), "")
	require.NoError(t, err)

	a, err := c.Get(KindCollection, "community", "general", "5.0.0")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, "5.0.0", a.Version)

	stats := c.Stats()
	require.Equal(t, 1, stats.Collections)
	require.Equal(t, int64(1), stats.Hits)
}

func TestCacheGetMissReturnsNilNotError(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	a, err := c.Get(KindCollection, "community", "general", "9.9.9")
	require.NoError(t, err)
	require.Nil(t, a)
	require.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheGetLatestPicksMostRecentlyWritten(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Store(KindRole, "geerlingguy", "docker", "1.0.0", []byte("old"), "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = c.Store(KindRole, "geerlingguy", "docker", "2.0.0", []byte("new"), "")
	require.NoError(t, err)

	a, err := c.GetLatest(KindRole, "geerlingguy", "docker")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, "2.0.0", a.Version)
}

func TestCacheGetLatestEmptyIsNilNotError(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	a, err := c.GetLatest(KindCollection, "nobody", "nothing")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestCacheRemove(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Store(KindCollection, "community", "general", "5.0.0", []byte("x"), "")
	require.NoError(t, err)

	require.NoError(t, c.Remove(KindCollection, "community", "general", "5.0.0"))

	a, err := c.Get(KindCollection, "community", "general", "5.0.0")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestCacheClearResetsStats(t *testing.T) {
	c, err := NewCache(CacheConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Store(KindCollection, "community", "general", "5.0.0", []byte("x"), "")
	require.NoError(t, err)

	require.NoError(t, c.Clear())
	require.Equal(t, CacheStats{}, c.Stats())

	a, err := c.Get(KindCollection, "community", "general", "5.0.0")
	require.NoError(t, err)
	require.Nil(t, a)
}
