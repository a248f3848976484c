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
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// WebhookConfig configures a generic HTTP webhook backend.
type WebhookConfig struct {
	URL              string
	Method           string
	Headers          map[string]string
	IncludeFullEvent bool
	VerifySSL        bool
}

func (c WebhookConfig) validate() error {
	if c.URL == "" {
		return trace.BadParameter("webhook url is required")
	}
	return nil
}

func (c WebhookConfig) method() string {
	switch strings.ToUpper(c.Method) {
	case http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return strings.ToUpper(c.Method)
	default:
		return http.MethodPost
	}
}

// WebhookNotifier posts events to an arbitrary HTTP endpoint, either as
// the full event payload or a minimal summary.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookNotifier builds a WebhookNotifier from cfg.
func NewWebhookNotifier(cfg WebhookConfig, timeout time.Duration) (*WebhookNotifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := &http.Client{Timeout: timeout}
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &WebhookNotifier{cfg: cfg, client: client}, nil
}

func (w *WebhookNotifier) Name() string       { return "webhook" }
func (w *WebhookNotifier) IsConfigured() bool { return w.cfg.URL != "" }

func (w *WebhookNotifier) payload(event Event) (any, error) {
	if w.cfg.IncludeFullEvent {
		return event, nil
	}
	return struct {
		Type      EventType `json:"type"`
		Playbook  string    `json:"playbook"`
		IsFailure bool      `json:"is_failure"`
		Timestamp time.Time `json:"timestamp"`
	}{Type: event.Type, Playbook: event.Playbook, IsFailure: event.IsFailure(), Timestamp: event.Timestamp}, nil
}

// Send delivers event to the configured webhook.
func (w *WebhookNotifier) Send(ctx context.Context, event Event) error {
	payload, err := w.payload(event)
	if err != nil {
		return wrapPermanent(trace.Wrap(err))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return wrapPermanent(trace.Wrap(err))
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.method(), w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return wrapPermanent(trace.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return wrapRecoverable(trace.Wrap(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return wrapRecoverable(trace.Errorf("webhook returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return wrapPermanent(trace.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
