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

// Package pool implements a keyed connection pool over sshconn.Session,
// with lease reuse, background health checks, idle reaping, and
// pre-warm replenishment.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
)

// Conn is the subset of *sshconn.Session the pool depends on. Defining
// it as an interface (rather than importing sshconn.Session directly)
// keeps the pool testable with fakes and avoids a hard dependency cycle
// between pool and sshconn.
type Conn interface {
	IsAlive() bool
	Close() error
}

// Config controls pool sizing and maintenance cadence.
type Config struct {
	MaxConnectionsPerHost int
	MinConnectionsPerHost int
	MaxTotalConnections   int

	IdleTimeout        time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	EnableHealthChecks  bool

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	PrewarmMaintenanceInterval time.Duration
	PrewarmRetryAttempts       int
	PrewarmRetryDelay          time.Duration

	// LeaseWaitTimeout bounds the poll loop in Get when the pool is at
	// capacity. Defaults to 30s.
	LeaseWaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnectionsPerHost <= 0 {
		c.MaxConnectionsPerHost = 5
	}
	if c.MaxTotalConnections <= 0 {
		c.MaxTotalConnections = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.PrewarmMaintenanceInterval <= 0 {
		c.PrewarmMaintenanceInterval = time.Minute
	}
	if c.PrewarmRetryAttempts <= 0 {
		c.PrewarmRetryAttempts = 3
	}
	if c.PrewarmRetryDelay <= 0 {
		c.PrewarmRetryDelay = 500 * time.Millisecond
	}
	if c.LeaseWaitTimeout <= 0 {
		c.LeaseWaitTimeout = 30 * time.Second
	}
	return c
}

// Stats is a snapshot of pool-wide counters, mirroring the fields the
// original connection pool exposed to telemetry.
type Stats struct {
	Total   int64
	Active  int64
	Idle    int64

	Hits                int64
	Misses              int64
	Failures            int64
	IdleTimeouts        int64
	HealthCheckFailures int64
	Prewarmed           int64
	Ondemand            int64
	PrewarmFailures     int64
}

// entry wraps a pooled session with its lease bookkeeping.
type entry struct {
	session  Conn
	inUse    atomic.Bool
	lastUsed atomic.Int64 // unix nano
	prewarm  bool
}

func (e *entry) tryAcquire() bool {
	return e.inUse.CompareAndSwap(false, true)
}

func (e *entry) release() {
	e.inUse.Store(false)
	e.lastUsed.Store(time.Now().UnixNano())
}

// key identifies a pool bucket.
type key struct {
	user string
	host string
	port int
}

func (k key) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d", k.user, k.host, k.port)
}

// DialFunc constructs a new session for a key; swappable in tests.
type DialFunc func(ctx context.Context, user, host string, port int) (Conn, error)

// Pool is a keyed collection of pooled sshconn.Session handles.
type Pool struct {
	cfg  Config
	dial DialFunc

	mu      sync.RWMutex
	entries map[key][]*entry

	stats Stats

	shutdown atomic.Bool

	stopMaintenance chan struct{}
	maintenanceWG   sync.WaitGroup
}

// New builds a Pool without background maintenance.
func New(cfg Config, dial DialFunc) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		entries: make(map[key][]*entry),
	}
}

// BuildWithMaintenance builds a Pool and starts the health checker, idle
// reaper, and replenisher goroutines.
func BuildWithMaintenance(cfg Config, dial DialFunc) *Pool {
	p := New(cfg, dial)
	p.stopMaintenance = make(chan struct{})
	p.maintenanceWG.Add(3)
	go p.runHealthChecker()
	go p.runIdleReaper()
	go p.runReplenisher()
	return p
}

// Lease is a handle to a pooled session. Release must be called exactly
// once (subsequent calls are no-ops) to return it to the pool.
type Lease struct {
	pool     *Pool
	key      key
	entry    *entry
	released atomic.Bool
}

// Session returns the underlying connection.
func (l *Lease) Session() Conn { return l.entry.session }

// Release returns the lease to the pool. Idempotent.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.entry.release()
	l.pool.mu.RLock()
	l.pool.recomputeActiveIdle()
	l.pool.mu.RUnlock()
}

func (p *Pool) recomputeActiveIdle() {
	var active, idle int64
	for _, list := range p.entries {
		for _, e := range list {
			if e.inUse.Load() {
				active++
			} else {
				idle++
			}
		}
	}
	atomic.StoreInt64(&p.stats.Active, active)
	atomic.StoreInt64(&p.stats.Idle, idle)
}

func (p *Pool) total() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n int64
	for _, list := range p.entries {
		n += int64(len(list))
	}
	return n
}

// Get leases a connection for (user, host, port), reusing a pooled entry
// if available, otherwise dialing a new one subject to per-host/global
// caps, otherwise polling until a slot frees up or the wait timeout
// elapses.
func (p *Pool) Get(ctx context.Context, user, host string, port int) (*Lease, error) {
	if p.shutdown.Load() {
		return nil, trace.BadParameter("pool is shut down")
	}
	k := key{user: user, host: host, port: port}

	deadline := time.Now().Add(p.cfg.LeaseWaitTimeout)
	for {
		if lease, ok := p.tryReuse(k); ok {
			atomic.AddInt64(&p.stats.Hits, 1)
			p.mu.RLock()
			p.recomputeActiveIdle()
			p.mu.RUnlock()
			return lease, nil
		}

		if lease, created, err := p.tryCreate(ctx, k); err != nil {
			atomic.AddInt64(&p.stats.Failures, 1)
			return nil, trace.Wrap(err)
		} else if created {
			atomic.AddInt64(&p.stats.Misses, 1)
			atomic.AddInt64(&p.stats.Ondemand, 1)
			p.mu.RLock()
			p.recomputeActiveIdle()
			p.mu.RUnlock()
			return lease, nil
		}

		if time.Now().After(deadline) {
			return nil, trace.LimitExceeded("timed out waiting for a connection to %s", k)
		}
		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Pool) tryReuse(k key) (*Lease, bool) {
	p.mu.RLock()
	list := p.entries[k]
	p.mu.RUnlock()

	for _, e := range list {
		if !e.tryAcquire() {
			continue
		}
		if !e.session.IsAlive() {
			e.release()
			continue
		}
		return &Lease{pool: p, key: k, entry: e}, true
	}
	return nil, false
}

func (p *Pool) tryCreate(ctx context.Context, k key) (*Lease, bool, error) {
	p.mu.Lock()
	perHost := len(p.entries[k])
	var totalN int
	for _, list := range p.entries {
		totalN += len(list)
	}
	if perHost >= p.cfg.MaxConnectionsPerHost || totalN >= p.cfg.MaxTotalConnections {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.mu.Unlock()

	sess, err := p.dial(ctx, k.user, k.host, k.port)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}

	e := &entry{session: sess}
	e.inUse.Store(true)
	e.lastUsed.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.entries[k] = append(p.entries[k], e)
	atomic.AddInt64(&p.stats.Total, 1)
	p.mu.Unlock()

	return &Lease{pool: p, key: k, entry: e}, true, nil
}

// Prewarm establishes up to count new idle connections under a key,
// capped by remaining per-host/global capacity, with bounded retry.
func (p *Pool) Prewarm(ctx context.Context, user, host string, port int, count int) (success, failures int) {
	k := key{user: user, host: host, port: port}

	p.mu.RLock()
	current := len(p.entries[k])
	var totalN int
	for _, list := range p.entries {
		totalN += len(list)
	}
	p.mu.RUnlock()

	remainingHost := p.cfg.MaxConnectionsPerHost - current
	remainingTotal := p.cfg.MaxTotalConnections - totalN
	if count > remainingHost {
		count = remainingHost
	}
	if count > remainingTotal {
		count = remainingTotal
	}
	if count <= 0 {
		return 0, 0
	}

	var wg sync.WaitGroup
	results := make([]bool, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.prewarmOne(ctx, k)
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			success++
		} else {
			failures++
		}
	}
	atomic.AddInt64(&p.stats.Prewarmed, int64(success))
	atomic.AddInt64(&p.stats.PrewarmFailures, int64(failures))
	return success, failures
}

func (p *Pool) prewarmOne(ctx context.Context, k key) bool {
	var sess Conn
	var err error
	for attempt := 0; attempt < p.cfg.PrewarmRetryAttempts; attempt++ {
		sess, err = p.dial(ctx, k.user, k.host, k.port)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.cfg.PrewarmRetryDelay):
		}
	}
	if err != nil {
		return false
	}

	e := &entry{session: sess, prewarm: true}
	e.lastUsed.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.entries[k] = append(p.entries[k], e)
	atomic.AddInt64(&p.stats.Total, 1)
	p.mu.Unlock()
	return true
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	p.recomputeActiveIdle()
	p.mu.RUnlock()
	return Stats{
		Total:               atomic.LoadInt64(&p.stats.Total),
		Active:              atomic.LoadInt64(&p.stats.Active),
		Idle:                atomic.LoadInt64(&p.stats.Idle),
		Hits:                atomic.LoadInt64(&p.stats.Hits),
		Misses:              atomic.LoadInt64(&p.stats.Misses),
		Failures:            atomic.LoadInt64(&p.stats.Failures),
		IdleTimeouts:        atomic.LoadInt64(&p.stats.IdleTimeouts),
		HealthCheckFailures: atomic.LoadInt64(&p.stats.HealthCheckFailures),
		Prewarmed:           atomic.LoadInt64(&p.stats.Prewarmed),
		Ondemand:            atomic.LoadInt64(&p.stats.Ondemand),
		PrewarmFailures:     atomic.LoadInt64(&p.stats.PrewarmFailures),
	}
}

func (p *Pool) runHealthChecker() {
	defer p.maintenanceWG.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-ticker.C:
			if !p.cfg.EnableHealthChecks {
				continue
			}
			p.healthCheckOnce()
		}
	}
}

func (p *Pool) healthCheckOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, list := range p.entries {
		kept := list[:0]
		for _, e := range list {
			if e.inUse.Load() {
				kept = append(kept, e)
				continue
			}
			if e.session.IsAlive() {
				kept = append(kept, e)
				continue
			}
			e.session.Close()
			atomic.AddInt64(&p.stats.Total, -1)
			atomic.AddInt64(&p.stats.HealthCheckFailures, 1)
		}
		p.entries[k] = kept
	}
}

func (p *Pool) runIdleReaper() {
	defer p.maintenanceWG.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-ticker.C:
			p.reapIdleOnce()
		}
	}
}

func (p *Pool) reapIdleOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	minPerHost := p.cfg.MinConnectionsPerHost
	if minPerHost < 1 {
		minPerHost = 1
	}
	for k, list := range p.entries {
		var idle, inUse []*entry
		for _, e := range list {
			if e.inUse.Load() {
				inUse = append(inUse, e)
			} else {
				idle = append(idle, e)
			}
		}

		keepIdle := minPerHost - len(inUse)
		if keepIdle < 0 {
			keepIdle = 0
		}

		var survivors []*entry
		for i, e := range idle {
			lastUsed := time.Unix(0, e.lastUsed.Load())
			if i < keepIdle || now.Sub(lastUsed) <= p.cfg.IdleTimeout {
				survivors = append(survivors, e)
				continue
			}
			e.session.Close()
			atomic.AddInt64(&p.stats.Total, -1)
			atomic.AddInt64(&p.stats.IdleTimeouts, 1)
		}

		p.entries[k] = append(inUse, survivors...)
	}
}

func (p *Pool) runReplenisher() {
	defer p.maintenanceWG.Done()
	if p.cfg.MinConnectionsPerHost <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.PrewarmMaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-ticker.C:
			p.replenishOnce()
		}
	}
}

func (p *Pool) replenishOnce() {
	p.mu.RLock()
	deficits := make(map[key]int)
	for k, list := range p.entries {
		if d := p.cfg.MinConnectionsPerHost - len(list); d > 0 {
			deficits[k] = d
		}
	}
	p.mu.RUnlock()

	for k, d := range deficits {
		p.Prewarm(context.Background(), k.user, k.host, k.port, d)
	}
}

// Shutdown stops maintenance, rejects further leases, drains and closes
// every pooled session, and zeroes the stats.
func (p *Pool) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	if p.stopMaintenance != nil {
		close(p.stopMaintenance)
		p.maintenanceWG.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, list := range p.entries {
		for _, e := range list {
			e.session.Close()
		}
		delete(p.entries, k)
	}
	p.stats = Stats{}
}
