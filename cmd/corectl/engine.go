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
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/exec"
	"github.com/fleetforge/corectl/inventory"
	"github.com/fleetforge/corectl/notify"
	"github.com/fleetforge/corectl/play"
	"github.com/fleetforge/corectl/playbook"
	"github.com/fleetforge/corectl/pool"
	"github.com/fleetforge/corectl/sshconn"
	"github.com/fleetforge/corectl/telemetry"
	"github.com/fleetforge/corectl/vault"
)

// Options collects everything RunPlaybook needs to assemble and run one
// engine invocation. It is the seam between flag parsing (main.go) and
// the actual wiring (this file); tests construct it directly, bypassing
// kingpin entirely.
type Options struct {
	PlaybookPath  string
	InventoryPath string
	Limit         string
	Tags          []string
	SkipTags      []string
	CheckMode     bool

	SSHUser        string
	SSHPort        int
	IdentityFile   string
	ConnectTimeout time.Duration
	MaxRetries     int

	// Forks is defaults.forks: the per-task host concurrency limit.
	Forks int

	// Connection is the connection section's pool tuning, passed
	// straight through to pool.Config.
	Connection pool.Config

	// BecomeMethod/BecomeUser are the privilege_escalation config
	// defaults, used when a task/play enables become without naming
	// its own method/user.
	BecomeMethod string
	BecomeUser   string

	VaultPasswordFile string

	Notify    notify.Config
	Telemetry telemetry.Config

	// DialFunc overrides the pool's dial function. Defaults to dialing
	// real SSH sessions via sshconn.Dial; tests substitute a fake so a
	// full run can be exercised without a live server.
	DialFunc pool.DialFunc
}

func (o Options) sshDialFunc() pool.DialFunc {
	return func(ctx context.Context, user, host string, port int) (pool.Conn, error) {
		session, err := sshconn.Dial(ctx, sshconn.SessionConfig{
			Target: sshconn.Target{User: user, Host: host, Port: port},
			Auth: sshconn.AuthConfig{
				AgentEnabled: true,
				IdentityFile: o.IdentityFile,
			},
			ConnectTimeout: o.ConnectTimeout,
			MaxRetries:     o.MaxRetries,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return session, nil
	}
}

// loadVaultPassphrase reads the passphrase file at path and returns its
// contents with trailing newlines stripped. The contents are used
// verbatim; a passphrase file that is itself vault-encrypted is not
// decrypted.
func loadVaultPassphrase(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// decryptIfVaulted decrypts data with passphrase when it looks like a
// vault blob, otherwise returns it unchanged. Used on the playbook and
// inventory bytes so either file may carry inline-encrypted content.
func decryptIfVaulted(data []byte, passphrase string) ([]byte, error) {
	if !vault.IsEncrypted(data) {
		return data, nil
	}
	if passphrase == "" {
		return nil, trace.AccessDenied("input is vault-encrypted but no vault password was supplied")
	}
	plain, err := vault.Decrypt(data, passphrase)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plain, nil
}

// buildRunner assembles the pool, leaser, executor, and play.Runner for
// one invocation, without touching disk or the network beyond what
// opts.DialFunc itself requires.
func buildRunner(inv *inventory.Inventory, opts Options) (*play.Runner, *pool.Pool) {
	dial := opts.DialFunc
	if dial == nil {
		dial = opts.sshDialFunc()
	}

	connCfg := opts.Connection
	connCfg.EnableHealthChecks = connCfg.HealthCheckInterval > 0

	p := pool.BuildWithMaintenance(connCfg, dial)
	leaser := &play.PoolLeaser{
		Pool:        p,
		DefaultUser: opts.SSHUser,
		DefaultPort: opts.SSHPort,
	}

	executor := exec.NewExecutor(evalWhen)
	executor.CheckMode = opts.CheckMode

	runner := play.NewRunner(inv, leaser, executor)
	runner.Limit = opts.Limit
	runner.Tags = opts.Tags
	runner.SkipTags = opts.SkipTags
	runner.Forks = opts.Forks
	runner.DefaultBecomeMethod = opts.BecomeMethod
	runner.DefaultBecomeUser = opts.BecomeUser
	return runner, p
}

// recapToNotifyStats flattens a play.Recap into the summary shape
// notify.PlaybookCompleted expects.
func recapToNotifyStats(recap *play.Recap) []notify.HostStats {
	hosts := recap.SortedHosts()
	stats := make([]notify.HostStats, 0, len(hosts))
	for _, h := range hosts {
		s := recap.Hosts[h]
		stats = append(stats, notify.HostStats{
			Host:        h,
			OK:          s.OK,
			Changed:     s.Changed,
			Failed:      s.Failed,
			Skipped:     s.Skipped,
			Unreachable: s.Unreachable,
		})
	}
	return stats
}

// RunPlaybook loads the inventory and playbook named in opts, runs
// every play against the resolved hosts, and returns the resulting
// recap. It is the one operation cmd/corectl exists to wire up; the
// rest of this package is flag parsing around this call.
func RunPlaybook(ctx context.Context, opts Options) (*play.Recap, error) {
	passphrase, err := loadVaultPassphrase(opts.VaultPasswordFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	invRaw, err := os.ReadFile(opts.InventoryPath)
	if err != nil {
		return nil, trace.Wrap(err, "reading inventory %q", opts.InventoryPath)
	}
	invRaw, err = decryptIfVaulted(invRaw, passphrase)
	if err != nil {
		return nil, trace.Wrap(err, "decrypting inventory %q", opts.InventoryPath)
	}
	inv, err := inventory.ParseFile(opts.InventoryPath, invRaw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing inventory %q", opts.InventoryPath)
	}

	pbRaw, err := os.ReadFile(opts.PlaybookPath)
	if err != nil {
		return nil, trace.Wrap(err, "reading playbook %q", opts.PlaybookPath)
	}
	pbRaw, err = decryptIfVaulted(pbRaw, passphrase)
	if err != nil {
		return nil, trace.Wrap(err, "decrypting playbook %q", opts.PlaybookPath)
	}
	plays, err := playbook.Parse(pbRaw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing playbook %q", opts.PlaybookPath)
	}

	provider, err := telemetry.NewProvider(ctx, opts.Telemetry)
	if err != nil {
		return nil, trace.Wrap(err, "starting telemetry provider")
	}
	defer provider.Shutdown(ctx)

	notifier := notify.NewManager(opts.Notify)

	hostNames := make([]string, 0, len(inv.Hosts))
	for name := range inv.Hosts {
		hostNames = append(hostNames, name)
	}

	ctx, playbookSpan := telemetry.StartPlaybookSpan(ctx, opts.PlaybookPath, len(hostNames))

	if notifier.HasBackends() {
		notifier.NotifyAsync(ctx, notify.PlaybookStarted(opts.PlaybookPath, hostNames))
	}

	start := time.Now()
	runner, connPool := buildRunner(inv, opts)
	defer connPool.Shutdown()
	recap, runErr := runner.RunPlays(ctx, plays)
	duration := time.Since(start)

	if notifier.HasBackends() {
		notifier.NotifyAsync(ctx, notify.PlaybookCompleted(
			opts.PlaybookPath, runErr == nil && !recap.HasFailures(), duration,
			recapToNotifyStats(recap), nil,
		))
	}

	telemetry.EndWithError(playbookSpan, runErr)
	if runErr != nil {
		return recap, trace.Wrap(runErr)
	}
	return recap, nil
}
