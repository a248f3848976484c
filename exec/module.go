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

// Package exec implements per-host task execution: module dispatch,
// check-mode gating, and result shaping. The module catalogue itself
// (what "copy", "package", "service" etc. actually do on a remote host)
// is out of scope; this package specifies only the dispatch contract
// and registry.
package exec

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/shellutil"
	"github.com/fleetforge/corectl/sshconn"
)

// Status is a task's terminal outcome for one host.
type Status string

const (
	StatusOK          Status = "ok"
	StatusChanged     Status = "changed"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
	StatusUnreachable Status = "unreachable"
	StatusIgnored     Status = "ignored"
)

// Diff is the before/after pair a module may report under check mode or
// on a real change.
type Diff struct {
	Before string
	After  string
}

// Result is one module invocation's outcome.
type Result struct {
	Status Status
	Stdout string
	Stderr string
	RC     int
	Changed bool
	Msg    string
	Diff   *Diff
	Data   map[string]any
}

// RemoteSession is the surface a module needs from a leased connection:
// command execution and file transfer. *sshconn.Session satisfies this
// implicitly; tests substitute a fake so module dispatch can be
// exercised without a live SSH server, mirroring the pool.Conn
// decoupling in package pool.
type RemoteSession interface {
	IsAlive() bool
	Close() error
	Execute(ctx context.Context, cmd string, opts sshconn.ExecOptions) (sshconn.CommandResult, error)
	ExecuteBatch(ctx context.Context, cmds []string, opts sshconn.ExecOptions) ([]sshconn.BatchResult, error)
	Upload(ctx context.Context, local, remote string, opts sshconn.TransferOptions) error
	UploadContent(ctx context.Context, r io.Reader, remote string, opts sshconn.TransferOptions) error
	Download(ctx context.Context, remote, local string) error
	DownloadContent(ctx context.Context, remote string) ([]byte, error)
	Stat(ctx context.Context, remote string) (sshconn.FileStat, error)
}

// ModuleContext carries everything a module needs to act against one
// host: the leased session, the task's resolved args, effective
// variables, whether this invocation is a check-mode dry run, and the
// privilege-escalation settings (if any) in effect for this task,
// resolved from task/play `become*` fields and the configured defaults
// by the caller (play.Runner).
type ModuleContext struct {
	Session   RemoteSession
	Args      map[string]any
	Vars      map[string]any
	CheckMode bool
	Become    *shellutil.Become
}

// Module is the dispatch contract every module name in the catalogue
// implements. A module's Run MUST NOT mutate remote state when
// mc.CheckMode is true; it should instead report what it would have
// changed via Result.Diff and Result.Changed.
type Module interface {
	// ReadOnly reports whether this module never mutates state (stat,
	// debug, and command invocations marked no-op stay read-only under
	// check mode per spec.md §4.8).
	ReadOnly() bool
	Run(ctx context.Context, mc ModuleContext) (Result, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Module{}
)

// Register adds a module under name, replacing any previous
// registration. Intended to be called from init() by module
// implementations living outside this package.
func Register(name string, m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = m
}

// Lookup returns the module registered under name.
func Lookup(name string) (Module, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	m, ok := registry[name]
	return m, ok
}

// MustLookup is Lookup, wrapped as a trace.NotFound error for callers
// that can't proceed without the module.
func MustLookup(name string) (Module, error) {
	m, ok := Lookup(name)
	if !ok {
		return nil, trace.NotFound("module %q is not registered", name)
	}
	return m, nil
}
