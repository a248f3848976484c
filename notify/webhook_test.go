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

func TestWebhookNotifierMinimalPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, time.Second)
	require.NoError(t, err)

	err = n.Send(context.Background(), TaskFailed("site.yml", "install nginx", "web1", "exit status 1"))
	require.NoError(t, err)
	require.Equal(t, "task_failed", received["type"])
	require.Equal(t, true, received["is_failure"])
}

func TestWebhookNotifierFullEventPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL, IncludeFullEvent: true, Method: "PUT"}, time.Second)
	require.NoError(t, err)

	err = n.Send(context.Background(), HostUnreachable("site.yml", "db1", "connection refused"))
	require.NoError(t, err)
	require.Equal(t, "db1", received["host"])
	require.Equal(t, "connection refused", received["error"])
}

func TestWebhookNotifierPermanentOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, time.Second)
	require.NoError(t, err)

	err = n.Send(context.Background(), PlaybookStarted("site.yml", nil))
	require.Error(t, err)
	require.False(t, isRecoverable(err))
}
