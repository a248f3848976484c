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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlackNotifierSendsFormattedMessage(t *testing.T) {
	var received slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewSlackNotifier(SlackConfig{WebhookURL: srv.URL, Channel: "#ops"}, time.Second)
	require.NoError(t, err)

	err = n.Send(context.Background(), PlaybookStarted("site.yml", []string{"web1", "web2"}))
	require.NoError(t, err)
	require.Equal(t, "#ops", received.Channel)
	require.Contains(t, received.Text, "site.yml")
	require.Contains(t, received.Text, "2 host")
}

func TestSlackNotifierServerErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n, err := NewSlackNotifier(SlackConfig{WebhookURL: srv.URL}, time.Second)
	require.NoError(t, err)

	err = n.Send(context.Background(), PlaybookStarted("site.yml", nil))
	require.Error(t, err)
	require.True(t, isRecoverable(err))
}

func TestSlackNotifierRejectsEmptyWebhookURL(t *testing.T) {
	_, err := NewSlackNotifier(SlackConfig{}, time.Second)
	require.Error(t, err)
}
