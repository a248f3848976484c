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

// Package sshconn implements a single authenticated SSH transport: one
// Session per (user, host, port), channel multiplexing for concurrent
// command execution, and SFTP file transfer. See pool for the
// connection-pooling layer built on top of Session.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/fleetforge/corectl/internal/logutils"
	"github.com/fleetforge/corectl/shellutil"
)

// Target identifies the endpoint a Session is authenticated to.
type Target struct {
	User string
	Host string
	Port int
}

// String renders the pool key form "ssh://user@host:port".
func (t Target) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d", t.User, t.Host, t.Port)
}

// AuthConfig controls the authentication method order from spec.md
// §4.3: agent, then per-host identity file, then default identity
// files, then the well-known ~/.ssh keys, then password. Agent
// authentication is not supported: with AgentEnabled set, every
// connection attempt fails before any other method is offered.
type AuthConfig struct {
	AgentEnabled         bool
	IdentityFile         string
	IdentityPassphrase   string
	DefaultIdentityFiles []string
	Password             string
}

// SessionConfig configures a single Dial.
type SessionConfig struct {
	Target Target
	Auth   AuthConfig

	// ProxyJump is a raw ProxyJump spec; empty/"none" means direct.
	ProxyJump string

	Compression    bool
	ConnectTimeout time.Duration
	MaxRetries     int

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey when nil.
	// Implementers MUST replace this with a known-hosts TOFU store
	// before production use (spec.md §9); the policy is pluggable here
	// specifically so that replacement doesn't touch Session's internals.
	HostKeyCallback ssh.HostKeyCallback

	// Dialer opens the underlying TCP (or tunneled) connection. Defaults
	// to a net.Dialer; TunnelDialer supplies one that tunnels
	// through a resolved ProxyJump chain.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Session represents one authenticated SSH connection. Its handle is
// guarded by an RWMutex: nearly every operation opens a fresh logical
// channel and only needs a brief read lock to do so; only Close takes
// the write lock and consumes the handle. connected is a lock-free
// liveness flag checked on the hot path.
type Session struct {
	target Target
	cfg    SessionConfig

	mu     sync.RWMutex
	handle *ssh.Client

	connected atomic.Bool

	log logrus.FieldLogger
}

// ExecOptions control a single Execute/ExecuteBatch invocation.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Become  *shellutil.Become
	Timeout time.Duration
	// MaxConcurrent bounds ExecuteBatch's concurrent channel count;
	// defaults to 10 per spec.md §4.3.
	MaxConcurrent int
}

// CommandResult is the outcome of one Execute call.
type CommandResult struct {
	RC      int
	Stdout  string
	Stderr  string
	Success bool
}

// BatchResult pairs a CommandResult with any per-command error, since a
// single failing command in a batch must not fail its siblings.
type BatchResult struct {
	Result CommandResult
	Err    error
}

const defaultBatchConcurrency = 10

// Dial establishes a new authenticated Session, retrying the whole
// connection attempt (TCP + handshake + auth) with exponential backoff
// up to cfg.MaxRetries times.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	s := &Session{
		target: cfg.Target,
		cfg:    cfg,
		log: logutils.Component("ssh").WithFields(logrus.Fields{
			"target": cfg.Target.String(),
		}),
	}

	b := backoff.NewExponentialBackOff()
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			}
		}

		client, err := connectOnce(ctx, cfg)
		if err == nil {
			s.handle = client
			s.connected.Store(true)
			return s, nil
		}
		lastErr = err
		s.log.WithError(err).Debugf("connect attempt %d/%d failed", attempt+1, maxRetries)
	}

	return nil, trace.ConnectionProblem(lastErr, "all authentication methods failed or connection could not be established to %s", cfg.Target.String())
}

func connectOnce(ctx context.Context, cfg SessionConfig) (*ssh.Client, error) {
	authMethods, err := buildAuthMethods(cfg.Auth)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(authMethods) == 0 {
		return nil, trace.AccessDenied("all authentication methods failed")
	}

	hostKeyCB := cfg.HostKeyCallback
	if hostKeyCB == nil {
		// TODO(spec.md §9): replace with a known-hosts TOFU store before
		// production use. Left pluggable intentionally.
		hostKeyCB = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Target.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCB,
		Timeout:         cfg.ConnectTimeout,
		Config: ssh.Config{
			KeyExchanges: []string{"curve25519-sha256"},
			Ciphers:      []string{"chacha20-poly1305@openssh.com", "aes256-gcm@openssh.com"},
			MACs:         []string{"hmac-sha2-256", "hmac-sha2-512"},
		},
	}

	addr := net.JoinHostPort(cfg.Target.Host, fmt.Sprintf("%d", cfg.Target.Port))

	dial := cfg.Dialer
	if dial == nil {
		dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.ConnectTimeout}
			return d.DialContext(ctx, network, address)
		}
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %s", addr)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, trace.AccessDenied("all authentication methods failed: %v", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// buildAuthMethods assembles authentication methods in the fixed order
// from spec.md §4.3, including every method that has material to offer
// (each loadable key file, then the password); the ssh package itself
// tries the offered methods in that order, stops at the first the
// server accepts, and reports on overall failure.
func buildAuthMethods(auth AuthConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if auth.AgentEnabled {
		// Agent auth is intentionally left unimplemented per spec.md §9:
		// the original design stubs this out. A real implementation would
		// dial net.Dial("unix", os.Getenv("SSH_AUTH_SOCK")) and wrap it
		// with agent.NewClient.
		return nil, trace.NotImplemented("ssh agent authentication is not supported")
	}

	candidateFiles := []string{}
	if auth.IdentityFile != "" {
		candidateFiles = append(candidateFiles, auth.IdentityFile)
	}
	candidateFiles = append(candidateFiles, auth.DefaultIdentityFiles...)
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			candidateFiles = append(candidateFiles, filepath.Join(home, ".ssh", name))
		}
	}

	for _, path := range candidateFiles {
		signer, err := loadSigner(path, auth.IdentityPassphrase)
		if err != nil {
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if auth.Password != "" {
		methods = append(methods, ssh.Password(auth.Password))
	}

	return methods, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		return signer, trace.Wrap(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	return signer, trace.Wrap(err)
}

// IsAlive reports liveness without round-tripping the server: it is
// true iff connected is set and a handle is present.
func (s *Session) IsAlive() bool {
	if !s.connected.Load() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

// Close flips connected false, takes the write lock, and sends a
// protocol disconnect. Safe to call more than once.
func (s *Session) Close() error {
	s.connected.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return trace.Wrap(err)
}

// Execute runs one command, composing the full command line (shellutil)
// and draining stdout/stderr/exit-status from a fresh channel.
func (s *Session) Execute(ctx context.Context, cmd string, opts ExecOptions) (CommandResult, error) {
	if !s.connected.Load() {
		return CommandResult{}, trace.ConnectionProblem(nil, "session to %s is closed", s.target)
	}

	full := shellutil.JoinCommand(cmd, shellutil.CommandOptions{
		Cwd:    opts.Cwd,
		Env:    opts.Env,
		Become: opts.Become,
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	s.mu.RLock()
	handle := s.handle
	s.mu.RUnlock()
	if handle == nil {
		return CommandResult{}, trace.ConnectionProblem(nil, "session to %s is closed", s.target)
	}

	ch, err := handle.NewSession()
	if err != nil {
		s.connected.Store(false)
		return CommandResult{}, trace.Wrap(err)
	}

	resultCh := make(chan CommandResult, 1)
	errCh := make(chan error, 1)

	go func() {
		defer ch.Close()
		res, err := s.runOnce(ch, full, opts)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return CommandResult{}, trace.Wrap(err)
	case <-runCtx.Done():
		// Close the channel so the remote side sees its connection
		// dropped instead of letting ch.Run keep the goroutine (and the
		// underlying SSH channel) alive past the deadline.
		ch.Close()
		return CommandResult{}, trace.LimitExceeded("command timed out after %s", opts.Timeout)
	}
}

func (s *Session) runOnce(ch *ssh.Session, full string, opts ExecOptions) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	ch.Stdout = &stdout
	ch.Stderr = &stderr

	if opts.Become != nil && opts.Become.Password != "" {
		stdin, err := ch.StdinPipe()
		if err == nil {
			fmt.Fprintf(stdin, "%s\n", opts.Become.Password)
			stdin.Close()
		}
	}

	rc := 0
	runErr := ch.Run(full)
	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			rc = exitErr.ExitStatus()
		} else {
			rc = int(^uint(0) >> 1) // i32::MAX analogue: rc unknown
		}
	}

	return CommandResult{
		RC:      rc,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Success: rc == 0,
	}, nil
}

// ExecuteBatch runs N commands concurrently, each bound by a semaphore
// permit (opts.MaxConcurrent, default 10), opening its own channel.
// Results are returned in input order regardless of completion order; a
// failing command does not abort its siblings.
func (s *Session) ExecuteBatch(ctx context.Context, cmds []string, opts ExecOptions) ([]BatchResult, error) {
	results := make([]BatchResult, len(cmds))

	limit := int64(opts.MaxConcurrent)
	if limit <= 0 {
		limit = defaultBatchConcurrency
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for i, cmd := range cmds {
		i, cmd := i, cmd
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = BatchResult{Err: trace.Wrap(err)}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			res, err := s.Execute(ctx, cmd, opts)
			results[i] = BatchResult{Result: res, Err: err}
		}()
	}
	wg.Wait()

	return results, nil
}
