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

package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Filter decides whether an event should be delivered at all, before
// any backend sees it.
type Filter struct {
	NotifyOnSuccess bool
	NotifyOnFailure bool
}

// ShouldNotify reports whether event passes the filter. Non-outcome
// events (start, custom) always pass.
func (f Filter) ShouldNotify(event Event) bool {
	switch event.Type {
	case EventPlaybookComplete:
		if event.Success {
			return f.NotifyOnSuccess
		}
		return f.NotifyOnFailure
	case EventTaskFailed, EventHostUnreachable:
		return f.NotifyOnFailure
	default:
		return true
	}
}

// Config configures a Manager's backends, filter, and retry policy.
type Config struct {
	Slack   *SlackConfig
	Email   *EmailConfig
	Webhook *WebhookConfig

	NotifyOnSuccess bool
	NotifyOnFailure bool

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Manager coordinates delivery of lifecycle events to every configured
// backend. A failure in one backend never prevents delivery to another;
// Notify succeeds as long as at least one configured backend accepts
// the event, matching rustible's own resilience contract.
type Manager struct {
	backends []Notifier
	filter   Filter
	retries  int
	delay    time.Duration
	log      logrus.FieldLogger
}

// NewManager builds a Manager from cfg, constructing only the backends
// whose config block is set. A backend that fails to construct (e.g.
// invalid config) is logged and skipped rather than failing the whole
// manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	log := logrus.WithField(trace.Component, "notify")

	var backends []Notifier
	if cfg.Slack != nil {
		if n, err := NewSlackNotifier(*cfg.Slack, cfg.Timeout); err != nil {
			log.WithError(err).Warn("slack backend not configured")
		} else {
			backends = append(backends, n)
		}
	}
	if cfg.Email != nil {
		if n, err := NewEmailNotifier(*cfg.Email, cfg.Timeout); err != nil {
			log.WithError(err).Warn("email backend not configured")
		} else {
			backends = append(backends, n)
		}
	}
	if cfg.Webhook != nil {
		if n, err := NewWebhookNotifier(*cfg.Webhook, cfg.Timeout); err != nil {
			log.WithError(err).Warn("webhook backend not configured")
		} else {
			backends = append(backends, n)
		}
	}

	return &Manager{
		backends: backends,
		filter:   Filter{NotifyOnSuccess: cfg.NotifyOnSuccess, NotifyOnFailure: cfg.NotifyOnFailure},
		retries:  cfg.Retries,
		delay:    cfg.RetryDelay,
		log:      log,
	}
}

// HasBackends reports whether any backend was successfully configured.
func (m *Manager) HasBackends() bool { return len(m.backends) > 0 }

// BackendNames lists the configured backends' names.
func (m *Manager) BackendNames() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.Name()
	}
	return names
}

// Notify delivers event to every configured backend, retrying each one
// independently on a recoverable error. It returns nil if at least one
// backend succeeds (or there are no backends to try); if every backend
// fails, it returns the last backend's error.
func (m *Manager) Notify(ctx context.Context, event Event) error {
	if len(m.backends) == 0 {
		m.log.Debug("no notification backends configured, skipping")
		return nil
	}
	if !m.filter.ShouldNotify(event) {
		m.log.WithField("event", event.Type).Debug("notification filtered out")
		return nil
	}

	var lastErr error
	successCount := 0
	for _, backend := range m.backends {
		if !backend.IsConfigured() {
			continue
		}
		if err := m.sendWithRetry(ctx, backend, event); err != nil {
			m.log.WithError(err).WithField("backend", backend.Name()).Error("notification delivery failed")
			lastErr = err
			continue
		}
		successCount++
	}

	if successCount > 0 || lastErr == nil {
		return nil
	}
	return lastErr
}

// NotifyAsync fires Notify in a background goroutine and returns
// immediately, for callers that must not block the run on notification
// delivery. Errors are logged, not returned.
func (m *Manager) NotifyAsync(ctx context.Context, event Event) {
	go func() {
		if err := m.Notify(ctx, event); err != nil {
			m.log.WithError(err).Error("async notification delivery failed")
		}
	}()
}

func (m *Manager) sendWithRetry(ctx context.Context, backend Notifier, event Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.delay

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
			m.log.WithField("backend", backend.Name()).Debugf("retrying notification (attempt %d/%d)", attempt+1, m.retries+1)
		}

		err := backend.Send(ctx, event)
		if err == nil {
			return nil
		}
		if !isRecoverable(err) {
			return trace.Wrap(err)
		}
		lastErr = err
	}
	return trace.Wrap(lastErr)
}

// PlaybookStarted is a convenience wrapper around Notify for a
// playbook-start event.
func (m *Manager) PlaybookStarted(ctx context.Context, playbook string, hosts []string) error {
	return m.Notify(ctx, PlaybookStarted(playbook, hosts))
}

// PlaybookCompleted is a convenience wrapper around Notify for a
// playbook-completion event.
func (m *Manager) PlaybookCompleted(ctx context.Context, playbook string, success bool, duration time.Duration, stats []HostStats, failures []FailureInfo) error {
	return m.Notify(ctx, PlaybookCompleted(playbook, success, duration, stats, failures))
}
