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
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// EmailConfig configures the email backend.
type EmailConfig struct {
	SMTPHost      string
	SMTPPort      int
	Username      string
	Password      string
	From          string
	To            []string
	SubjectPrefix string
	UseTLS        bool
}

func (c EmailConfig) validate() error {
	if c.SMTPHost == "" {
		return trace.BadParameter("smtp host is required")
	}
	if c.From == "" {
		return trace.BadParameter("from address is required")
	}
	if len(c.To) == 0 {
		return trace.BadParameter("at least one recipient is required")
	}
	return nil
}

// EmailNotifier sends events as plain-text email over SMTP.
type EmailNotifier struct {
	cfg     EmailConfig
	timeout time.Duration
}

// NewEmailNotifier builds an EmailNotifier from cfg.
func NewEmailNotifier(cfg EmailConfig, timeout time.Duration) (*EmailNotifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &EmailNotifier{cfg: cfg, timeout: timeout}, nil
}

func (e *EmailNotifier) Name() string       { return "email" }
func (e *EmailNotifier) IsConfigured() bool { return e.cfg.SMTPHost != "" && len(e.cfg.To) > 0 }

func (e *EmailNotifier) subject(event Event) string {
	prefix := e.cfg.SubjectPrefix
	switch event.Type {
	case EventPlaybookStart:
		return fmt.Sprintf("%s Playbook '%s' started", prefix, event.Playbook)
	case EventPlaybookComplete:
		if event.Success {
			return fmt.Sprintf("%s Playbook '%s' completed successfully", prefix, event.Playbook)
		}
		return fmt.Sprintf("%s Playbook '%s' FAILED", prefix, event.Playbook)
	case EventTaskFailed:
		return fmt.Sprintf("%s Task '%s' failed in '%s'", prefix, event.Task, event.Playbook)
	case EventHostUnreachable:
		return fmt.Sprintf("%s Host '%s' unreachable", prefix, event.Host)
	default:
		return fmt.Sprintf("%s %s", prefix, event.Name)
	}
}

func (e *EmailNotifier) body(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\nPlaybook: %s\nTimestamp: %s\n\n", event.Type, event.Playbook, event.Timestamp.Format(time.RFC3339))
	switch event.Type {
	case EventPlaybookStart:
		fmt.Fprintf(&b, "Hosts: %s\n", strings.Join(event.Hosts, ", "))
	case EventPlaybookComplete:
		fmt.Fprintf(&b, "Success: %t\nDuration: %s\n", event.Success, event.Duration)
		for _, hs := range event.HostStats {
			fmt.Fprintf(&b, "  %s: ok=%d changed=%d failed=%d skipped=%d unreachable=%d\n",
				hs.Host, hs.OK, hs.Changed, hs.Failed, hs.Skipped, hs.Unreachable)
		}
		for _, f := range event.Failures {
			fmt.Fprintf(&b, "  FAILED %s/%s: %s\n", f.Host, f.Task, f.Error)
		}
	case EventTaskFailed, EventHostUnreachable:
		fmt.Fprintf(&b, "Host: %s\nError: %s\n", event.Host, event.Error)
	}
	return b.String()
}

// Send emails event to the configured recipients.
func (e *EmailNotifier) Send(ctx context.Context, event Event) error {
	msg := buildMIMEMessage(e.cfg.From, e.cfg.To, e.subject(event), e.body(event))
	addr := net.JoinHostPort(e.cfg.SMTPHost, fmt.Sprintf("%d", e.cfg.SMTPPort))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, e.cfg.From, e.cfg.To, msg) }()

	select {
	case err := <-done:
		if err != nil {
			return wrapRecoverable(trace.Wrap(err))
		}
		return nil
	case <-ctx.Done():
		return wrapRecoverable(trace.Wrap(ctx.Err()))
	}
}

func buildMIMEMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
