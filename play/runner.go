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

package play

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/exec"
	"github.com/fleetforge/corectl/inventory"
	"github.com/fleetforge/corectl/playbook"
	"github.com/fleetforge/corectl/pool"
	"github.com/fleetforge/corectl/shellutil"
)

// SessionLeaser leases a pooled SSH session for a host; callers MUST
// release the lease when done with it.
type SessionLeaser interface {
	Lease(ctx context.Context, host *inventory.Host) (*pool.Lease, error)
}

// Runner executes a sequence of plays against an inventory.
type Runner struct {
	Inventory *inventory.Inventory
	Leaser    SessionLeaser
	Executor  *exec.Executor

	Limit    string
	Tags     []string
	SkipTags []string

	// Forks bounds per-task concurrency (defaults.forks); 0 means use
	// the built-in default of 10.
	Forks int

	// DefaultBecomeMethod/DefaultBecomeUser are the privilege_escalation
	// config defaults, used to fill in a task or play's `become: true`
	// when it doesn't name its own method/user.
	DefaultBecomeMethod string
	DefaultBecomeUser   string

	Recap *Recap

	// droppedHosts tracks hosts dropped from subsequent tasks/plays after
	// a Failed/Unreachable result without ignore_errors, per spec.md
	// §4.8's failure propagation rule. registered holds each host's
	// `register`-ed task results, consulted as an extra variable layer
	// for every later task on that host.
	mu           sync.Mutex
	droppedHosts map[string]bool
	registered   map[string]map[string]any
}

// NewRunner builds a Runner with a fresh Recap.
func NewRunner(inv *inventory.Inventory, leaser SessionLeaser, executor *exec.Executor) *Runner {
	return &Runner{
		Inventory:    inv,
		Leaser:       leaser,
		Executor:     executor,
		Recap:        NewRecap(),
		droppedHosts: map[string]bool{},
		registered:   map[string]map[string]any{},
	}
}

func (r *Runner) isDropped(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedHosts[host]
}

func (r *Runner) drop(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.droppedHosts[host] = true
}

// storeRegistered stashes a task's outcome under its register name, for
// hostName only, so later tasks on the same host can reference it as a
// variable. A no-op when the task doesn't set `register`.
func (r *Runner) storeRegistered(hostName, name string, outcome exec.TaskOutcome) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[hostName] == nil {
		r.registered[hostName] = map[string]any{}
	}
	r.registered[hostName][name] = map[string]any{
		"changed": outcome.Result.Changed,
		"failed":  outcome.Status == exec.StatusFailed,
		"skipped": outcome.Status == exec.StatusSkipped,
		"rc":      outcome.Result.RC,
		"stdout":  outcome.Result.Stdout,
		"stderr":  outcome.Result.Stderr,
		"msg":     outcome.Result.Msg,
		"results": outcome.Result.Data["results"],
	}
}

// registeredVars returns a copy of hostName's registered variables, safe
// for a caller to pass straight into inventory.EffectiveVars.
func (r *Runner) registeredVars(hostName string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := r.registered[hostName]
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// effectiveBecome resolves the privilege-escalation settings for a task:
// the task's own `become*` fields if it sets become, else the play's,
// else no escalation. An enabled become with no method/user falls back
// to the runner's configured privilege_escalation defaults.
func (r *Runner) effectiveBecome(p playbook.Play, task playbook.Task) *shellutil.Become {
	b := task.Become
	if !b.Enabled {
		b = p.Become
	}
	if !b.Enabled {
		return nil
	}

	method := b.Method
	if method == "" {
		method = r.DefaultBecomeMethod
	}
	user := b.User
	if user == "" {
		user = r.DefaultBecomeUser
	}
	return &shellutil.Become{Method: shellutil.BecomeMethod(method), User: user}
}

// RunPlays executes every play in order against the inventory,
// returning the final Recap.
func (r *Runner) RunPlays(ctx context.Context, plays []playbook.Play) (*Recap, error) {
	for _, p := range plays {
		if err := r.runPlay(ctx, p); err != nil {
			return r.Recap, trace.Wrap(err)
		}
	}
	return r.Recap, nil
}

func (r *Runner) runPlay(ctx context.Context, p playbook.Play) error {
	hosts, err := r.Inventory.Resolve(p.Hosts, r.Limit)
	if err != nil {
		return trace.Wrap(err)
	}

	var active []string
	for _, h := range hosts {
		if !r.isDropped(h) {
			active = append(active, h)
		}
	}

	batches := partitionSerial(active, p.Serial)

	allTasks := make([]playbook.Task, 0, len(p.PreTasks)+len(p.Tasks)+len(p.PostTasks))
	allTasks = append(allTasks, p.PreTasks...)
	allTasks = append(allTasks, p.Tasks...)
	allTasks = append(allTasks, p.PostTasks...)

	for _, batch := range batches {
		notify := map[string]map[string]bool{} // host -> handler name -> notified

		var err error
		if p.Strategy == playbook.StrategyFree {
			err = r.runStageFree(ctx, p, allTasks, batch, notify)
		} else {
			err = r.runStageLinear(ctx, p, allTasks, batch, notify)
		}
		if err != nil {
			return trace.Wrap(err)
		}

		if err := r.runHandlers(ctx, p, batch, notify); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// runStageLinear runs each task to completion across every host before
// advancing to the next task, per spec.md §4.8's "linear" strategy.
func (r *Runner) runStageLinear(ctx context.Context, p playbook.Play, tasks []playbook.Task, hosts []string, notify map[string]map[string]bool) error {
	for _, task := range tasks {
		if err := r.runTaskAcrossHosts(ctx, p, task, hosts, notify); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// runStageFree lets each host march through the full task list
// independently, bounded only by the runner's fork limit, per spec.md
// §4.8's "free" strategy.
func (r *Runner) runStageFree(ctx context.Context, p playbook.Play, tasks []playbook.Task, hosts []string, notify map[string]map[string]bool) error {
	forks := r.runtimeForks()
	sem := make(chan struct{}, forks)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, hostName := range hosts {
		if r.isDropped(hostName) {
			continue
		}
		hostName := hostName
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			for _, task := range tasks {
				if r.isDropped(hostName) {
					r.Recap.Record(hostName, exec.StatusSkipped)
					continue
				}
				outcome := r.runOneTask(ctx, p, task, hostName)

				mu.Lock()
				r.Recap.Record(hostName, outcome.Status)
				if outcome.Result.Changed && len(task.Notify) > 0 {
					if notify[hostName] == nil {
						notify[hostName] = map[string]bool{}
					}
					for _, n := range task.Notify {
						notify[hostName][n] = true
					}
				}
				mu.Unlock()

				if outcome.Status == exec.StatusFailed || outcome.Status == exec.StatusUnreachable {
					r.drop(hostName)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) runHandlers(ctx context.Context, p playbook.Play, hosts []string, notify map[string]map[string]bool) error {
	for _, handler := range p.Handlers {
		var notifiedHosts []string
		for _, h := range hosts {
			if notify[h][handler.Name] {
				notifiedHosts = append(notifiedHosts, h)
			}
		}
		if len(notifiedHosts) == 0 {
			continue
		}
		if err := r.runTaskAcrossHosts(ctx, p, handler, notifiedHosts, notify); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *Runner) runTaskAcrossHosts(ctx context.Context, p playbook.Play, task playbook.Task, hosts []string, notify map[string]map[string]bool) error {
	if len(hosts) == 0 {
		return nil
	}

	forks := r.runtimeForks()
	sem := make(chan struct{}, forks)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, hostName := range hosts {
		if r.isDropped(hostName) {
			r.Recap.Record(hostName, exec.StatusSkipped)
			continue
		}

		hostName := hostName
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.runOneTask(ctx, p, task, hostName)

			mu.Lock()
			r.Recap.Record(hostName, outcome.Status)
			if outcome.Result.Changed && len(task.Notify) > 0 {
				if notify[hostName] == nil {
					notify[hostName] = map[string]bool{}
				}
				for _, n := range task.Notify {
					notify[hostName][n] = true
				}
			}
			mu.Unlock()

			if outcome.Status == exec.StatusFailed || outcome.Status == exec.StatusUnreachable {
				r.drop(hostName)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) runOneTask(ctx context.Context, p playbook.Play, task playbook.Task, hostName string) exec.TaskOutcome {
	host, ok := r.Inventory.Hosts[hostName]
	if !ok {
		return exec.TaskOutcome{Status: exec.StatusFailed, Err: trace.NotFound("host %q not found", hostName)}
	}

	if !exec.TagsMatch(task.Tags, r.Tags, r.SkipTags) {
		return exec.TaskOutcome{Status: exec.StatusSkipped}
	}

	// Registered vars from earlier tasks on this host sit above play
	// vars, so a later `when`/args can reference `register`-ed results.
	vars, err := r.Inventory.EffectiveVars(hostName, p.Vars, r.registeredVars(hostName))
	if err != nil {
		return exec.TaskOutcome{Status: exec.StatusFailed, Err: trace.Wrap(err)}
	}

	lease, err := r.Leaser.Lease(ctx, host)
	if err != nil {
		return exec.TaskOutcome{Status: exec.StatusUnreachable, Err: trace.Wrap(err)}
	}
	defer lease.Release()

	session, ok := lease.Session().(exec.RemoteSession)
	if !ok {
		return exec.TaskOutcome{Status: exec.StatusFailed, Err: trace.BadParameter("leased connection does not implement exec.RemoteSession")}
	}

	outcome := r.Executor.RunTask(ctx, task, exec.ModuleContext{
		Session: session,
		Vars:    vars,
		Become:  r.effectiveBecome(p, task),
	})

	r.storeRegistered(hostName, task.Register, outcome)
	return outcome
}

// delegate_to (spec.md §9 flags its semantics as ambiguous and leaves
// the decision to the implementer) is decoded onto playbook.Task but
// deliberately not enacted here: a task naming delegate_to still runs
// against its own host. See DESIGN.md for the reasoning.

// runtimeForks returns the configured fork limit (defaults.forks),
// falling back to 10 when unset.
func (r *Runner) runtimeForks() int {
	if r.Forks > 0 {
		return r.Forks
	}
	return 10
}

// partitionSerial splits hosts into sequential batches per `serial`,
// which may be an int count, a "<int>%" string, or nil/absent (one
// batch containing everything).
func partitionSerial(hosts []string, serial any) [][]string {
	if serial == nil {
		return [][]string{hosts}
	}

	size := 0
	switch v := serial.(type) {
	case int:
		size = v
	case string:
		if strings.HasSuffix(v, "%") {
			pct, err := strconv.Atoi(strings.TrimSuffix(v, "%"))
			if err == nil {
				size = int(math.Ceil(float64(len(hosts)) * float64(pct) / 100.0))
			}
		} else if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	if size <= 0 {
		return [][]string{hosts}
	}

	var batches [][]string
	for i := 0; i < len(hosts); i += size {
		end := i + size
		if end > len(hosts) {
			end = len(hosts)
		}
		batches = append(batches, hosts[i:end])
	}
	return batches
}
