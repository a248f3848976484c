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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gravitational/trace"
)

// SlackConfig configures the Slack backend, which posts to an incoming
// webhook URL rather than calling the Slack Web API directly.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
}

func (c SlackConfig) validate() error {
	if c.WebhookURL == "" {
		return trace.BadParameter("slack webhook url is required")
	}
	return nil
}

type slackMessage struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// SlackNotifier posts formatted events to a Slack incoming webhook.
type SlackNotifier struct {
	cfg    SlackConfig
	client *http.Client
}

// NewSlackNotifier builds a SlackNotifier from cfg.
func NewSlackNotifier(cfg SlackConfig, timeout time.Duration) (*SlackNotifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SlackNotifier{cfg: cfg, client: &http.Client{Timeout: timeout}}, nil
}

func (s *SlackNotifier) Name() string       { return "slack" }
func (s *SlackNotifier) IsConfigured() bool { return s.cfg.WebhookURL != "" }

// Send posts event to the configured Slack webhook.
func (s *SlackNotifier) Send(ctx context.Context, event Event) error {
	msg := slackMessage{
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
		Text:     formatText(event),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return wrapPermanent(trace.Wrap(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return wrapPermanent(trace.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return wrapRecoverable(trace.Wrap(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return wrapRecoverable(trace.Errorf("slack webhook returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return wrapPermanent(trace.Errorf("slack webhook returned %d", resp.StatusCode))
	}
	return nil
}

// formatText renders event as a single-line Slack message, matching
// the shape of the original backend's per-event-type formatting
// without reproducing its full block-kit layout.
func formatText(event Event) string {
	switch event.Type {
	case EventPlaybookStart:
		return fmt.Sprintf(":arrow_forward: Starting playbook `%s` on %d host(s)", event.Playbook, len(event.Hosts))
	case EventPlaybookComplete:
		if event.Success {
			return fmt.Sprintf(":white_check_mark: Playbook `%s` completed successfully in %s", event.Playbook, event.Duration)
		}
		return fmt.Sprintf(":x: Playbook `%s` FAILED after %s (%d failure(s))", event.Playbook, event.Duration, len(event.Failures))
	case EventTaskFailed:
		return fmt.Sprintf(":x: Task `%s` failed on `%s` in `%s`: %s", event.Task, event.Host, event.Playbook, event.Error)
	case EventHostUnreachable:
		return fmt.Sprintf(":warning: Host `%s` unreachable during `%s`: %s", event.Host, event.Playbook, event.Error)
	case EventCustom:
		return fmt.Sprintf("%s: %v", event.Name, event.Data)
	default:
		return string(event.Type)
	}
}
