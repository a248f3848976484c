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

package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal Conn for exercising pool bookkeeping without a
// real SSH server. alive is shared across connections dialed by the
// same fakeDialer so a test can flip it and observe eviction.
type fakeConn struct {
	alive  *atomic.Bool
	closed atomic.Bool
}

func (c *fakeConn) IsAlive() bool {
	return !c.closed.Load() && c.alive.Load()
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	calls int32
	alive atomic.Bool
}

func newFakeDialer() *fakeDialer {
	d := &fakeDialer{}
	d.alive.Store(true)
	return d
}

func (d *fakeDialer) dial(ctx context.Context, user, host string, port int) (Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	return &fakeConn{alive: &d.alive}, nil
}

func TestPoolGetCreatesOnMiss(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	require.NotNil(t, lease.Session())

	stats := p.Stats()
	require.EqualValues(t, 1, stats.Total)
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Ondemand)
	require.EqualValues(t, 0, stats.Hits)
}

func TestPoolGetReusesAfterRelease(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	lease.Release()

	lease2, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	require.Same(t, lease.Session(), lease2.Session())

	stats := p.Stats()
	require.EqualValues(t, 1, stats.Total, "should not have dialed a second connection")
	require.EqualValues(t, 1, stats.Hits)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	lease.Release()
	require.NotPanics(t, func() { lease.Release() })
}

func TestPoolRespectsPerHostCapAndWaits(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 1, MaxTotalConnections: 10, LeaseWaitTimeout: 200 * time.Millisecond}, d.dial)

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "root", "h1", 22)
	require.Error(t, err, "second lease should time out while the first is held")

	lease.Release()
	lease2, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	require.NotNil(t, lease2)
}

func TestPoolSkipsDeadEntryOnReuseAttempt(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	first := lease.Session()
	lease.Release()

	d.alive.Store(false)

	lease2, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	require.NotSame(t, first, lease2.Session())
}

func TestPoolPrewarm(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 5, MaxTotalConnections: 10}, d.dial)

	success, failures := p.Prewarm(context.Background(), "root", "h1", 22, 3)
	require.Equal(t, 3, success)
	require.Equal(t, 0, failures)

	stats := p.Stats()
	require.EqualValues(t, 3, stats.Total)
	require.EqualValues(t, 3, stats.Prewarmed)
}

func TestPoolPrewarmCapsAtRemainingCapacity(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	success, _ := p.Prewarm(context.Background(), "root", "h1", 22, 5)
	require.Equal(t, 2, success)
}

func TestPoolShutdownClosesAndRejects(t *testing.T) {
	d := newFakeDialer()
	p := New(Config{MaxConnectionsPerHost: 2, MaxTotalConnections: 10}, d.dial)

	_, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)

	p.Shutdown()

	stats := p.Stats()
	require.Zero(t, stats.Total)

	_, err = p.Get(context.Background(), "root", "h1", 22)
	require.Error(t, err)
}

func TestPoolHealthCheckerEvictsDeadEntries(t *testing.T) {
	d := newFakeDialer()
	p := BuildWithMaintenance(Config{
		MaxConnectionsPerHost: 2,
		MaxTotalConnections:   10,
		EnableHealthChecks:    true,
		HealthCheckInterval:   20 * time.Millisecond,
	}, d.dial)
	defer p.Shutdown()

	lease, err := p.Get(context.Background(), "root", "h1", 22)
	require.NoError(t, err)
	lease.Release()

	d.alive.Store(false)

	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, time.Second, 10*time.Millisecond)
}
