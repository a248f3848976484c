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

// Package play implements the PlayRunner: per-play host iteration,
// serial batching, forked concurrency, tag/when filtering, handler
// notification, and recap aggregation.
package play

import (
	"sort"
	"sync"

	"github.com/fleetforge/corectl/exec"
)

// HostStats is one host's terminal counters across a run.
type HostStats struct {
	OK          int
	Changed     int
	Skipped     int
	Failed      int
	Unreachable int
	Rescued     int
	Ignored     int
}

// Recap aggregates HostStats across every host touched by a run.
type Recap struct {
	mu    sync.Mutex
	Hosts map[string]*HostStats
}

// NewRecap returns an empty Recap.
func NewRecap() *Recap {
	return &Recap{Hosts: map[string]*HostStats{}}
}

// Record adds one task outcome's contribution to host's stats.
func (r *Recap) Record(host string, status exec.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.Hosts[host]
	if !ok {
		stats = &HostStats{}
		r.Hosts[host] = stats
	}
	switch status {
	case exec.StatusOK:
		stats.OK++
	case exec.StatusChanged:
		stats.Changed++
	case exec.StatusSkipped:
		stats.Skipped++
	case exec.StatusFailed:
		stats.Failed++
	case exec.StatusUnreachable:
		stats.Unreachable++
	case exec.StatusIgnored:
		stats.Ignored++
	}
}

// HasFailures reports whether any host recorded a failure or became
// unreachable.
func (r *Recap) HasFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Hosts {
		if s.Failed > 0 || s.Unreachable > 0 {
			return true
		}
	}
	return false
}

// ExitCode is 0 iff the recap has no failures/unreachables, else 2, per
// spec.md §4.8.
func (r *Recap) ExitCode() int {
	if r.HasFailures() {
		return 2
	}
	return 0
}

// SortedHosts returns host names in a stable order, for deterministic
// recap rendering.
func (r *Recap) SortedHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.Hosts))
	for name := range r.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
