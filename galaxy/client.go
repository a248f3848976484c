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

// Package galaxy fetches and caches content artifacts (collections and
// roles) by content address, with retrying HTTP transport and an
// offline fallback to the local cache.
package galaxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const defaultServer = "https://galaxy.ansible.com"

// ClientConfig configures a Client.
type ClientConfig struct {
	ServerURL   string
	Fallbacks   []string
	Timeout     time.Duration
	MaxRetries  int
	RetryWait   time.Duration
	Token       string
	UserAgent   string
	IgnoreCerts bool
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ServerURL == "" {
		c.ServerURL = defaultServer
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "corectl-galaxy/1.0"
	}
	return c
}

// CollectionInfo is the subset of Galaxy's collection metadata this
// engine consumes.
type CollectionInfo struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CollectionVersion describes one published version of a collection.
type CollectionVersion struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"artifact_sha256"`
}

// RoleInfo is the subset of Galaxy's role metadata this engine
// consumes. Galaxy's v1 role API has no "download_url" field the way
// collections do; roles are published as GitHub repository tags, so a
// role's tarball is fetched from its source repository instead.
type RoleInfo struct {
	ID          int    `json:"id"`
	Namespace   string `json:"summary_fields_namespace"`
	Name        string `json:"name"`
	Description string `json:"description"`
	GithubUser  string `json:"github_user"`
	GithubRepo  string `json:"github_repo"`
}

// roleDownloadURL builds the GitHub codeload tarball URL for a role's
// tagged release, matching what the ansible-galaxy CLI itself fetches.
func roleDownloadURL(r *RoleInfo, version string) string {
	return fmt.Sprintf("https://github.com/%s/%s/archive/%s.tar.gz", r.GithubUser, r.GithubRepo, version)
}

// Client is an HTTP client for Ansible Galaxy and Galaxy-compatible
// servers (Automation Hub), with retry, rate-limit, and fallback-server
// handling.
type Client struct {
	cfg ClientConfig
	hc  *retryablehttp.Client
	log logrus.FieldLogger
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.MaxRetries
	hc.RetryWaitMin = cfg.RetryWait
	hc.RetryWaitMax = cfg.RetryWait * 10
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = nil
	hc.CheckRetry = checkRetry

	return &Client{
		cfg: cfg,
		hc:  hc,
		log: logrus.WithField(trace.Component, "galaxy"),
	}
}

// checkRetry treats 5xx and 429 as retryable, 401/403 and other 4xx as
// permanent, matching spec.md §4.9.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp == nil {
		return true, nil
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode >= 500:
		return true, nil
	case resp.StatusCode >= 400:
		return false, nil
	}
	return false, nil
}

// servers returns the primary server followed by configured fallbacks.
func (c *Client) servers() []string {
	return append([]string{c.cfg.ServerURL}, c.cfg.Fallbacks...)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	var lastErr error
	for _, server := range c.servers() {
		url := path
		if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
			url = strings.TrimRight(server, "/") + "/" + strings.TrimLeft(path, "/")
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Token "+c.cfg.Token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithField("server", server).Warn("galaxy request failed, trying next server")
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			return nil, trace.LimitExceeded("rate limited, retry after %s", retryAfter)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, trace.AccessDenied("authentication failed: server returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			lastErr = trace.Errorf("server returned %d", resp.StatusCode)
			resp.Body.Close()
			c.log.WithField("server", server).WithField("status", resp.StatusCode).Warn("galaxy server exhausted retries, trying next server")
			continue
		}
		return resp, nil
	}
	if lastErr != nil {
		return nil, trace.ConnectionProblem(lastErr, "all galaxy servers unreachable")
	}
	return nil, trace.ConnectionProblem(nil, "no galaxy servers configured")
}

func parseRetryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}

func splitNamespaceName(name string) (string, string, error) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", trace.BadParameter("collection name %q must be namespace.name", name)
	}
	return parts[0], parts[1], nil
}

// GetCollectionInfo fetches metadata for namespace.name.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	ns, n, err := splitNamespaceName(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	path := fmt.Sprintf("api/v3/plugin/ansible/content/published/collections/index/%s/%s/", ns, n)

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("collection %q not found", name)
	}
	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d for %q", resp.StatusCode, name)
	}

	var info CollectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, trace.Wrap(err)
	}
	return &info, nil
}

// ListCollectionVersions lists every published version of a collection.
func (c *Client) ListCollectionVersions(ctx context.Context, name string) ([]CollectionVersion, error) {
	ns, n, err := splitNamespaceName(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	path := fmt.Sprintf("api/v3/plugin/ansible/content/published/collections/index/%s/%s/versions/", ns, n)

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("collection %q not found", name)
	}
	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d for %q", resp.StatusCode, name)
	}

	var body struct {
		Data []CollectionVersion `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Data, nil
}

// GetCollectionVersion fetches one specific version's metadata.
func (c *Client) GetCollectionVersion(ctx context.Context, name, version string) (*CollectionVersion, error) {
	ns, n, err := splitNamespaceName(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	path := fmt.Sprintf("api/v3/plugin/ansible/content/published/collections/index/%s/%s/versions/%s/", ns, n, version)

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("collection %q version %q not found", name, version)
	}
	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d for %q@%q", resp.StatusCode, name, version)
	}

	var v CollectionVersion
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, trace.Wrap(err)
	}
	return &v, nil
}

// DownloadCollection fetches the raw artifact bytes from downloadURL.
func (c *Client) DownloadCollection(ctx context.Context, downloadURL string) ([]byte, error) {
	resp, err := c.get(ctx, downloadURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d downloading %q", resp.StatusCode, downloadURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// GetRoleInfo fetches metadata for a role, by "namespace.name" or bare
// name.
func (c *Client) GetRoleInfo(ctx context.Context, name string) (*RoleInfo, error) {
	var path string
	if ns, n, err := splitNamespaceName(name); err == nil {
		path = fmt.Sprintf("api/v1/roles/?owner__username=%s&name=%s", ns, n)
	} else {
		path = fmt.Sprintf("api/v1/roles/?name=%s", name)
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("role %q not found", name)
	}
	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d for %q", resp.StatusCode, name)
	}

	var body struct {
		Results []RoleInfo `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(body.Results) == 0 {
		return nil, trace.NotFound("role %q not found", name)
	}
	return &body.Results[0], nil
}

// RoleVersion is one tagged release of a role's source repository.
type RoleVersion struct {
	Name string `json:"name"`
}

// ListRoleVersions lists a role's tagged releases.
func (c *Client) ListRoleVersions(ctx context.Context, roleID int) ([]RoleVersion, error) {
	path := fmt.Sprintf("api/v1/roles/%d/versions/", roleID)

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("role id %d has no versions", roleID)
	}
	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d listing role versions", resp.StatusCode)
	}

	var body struct {
		Results []RoleVersion `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Results, nil
}

// DownloadRole fetches a role's tarball for the given version from its
// source repository.
func (c *Client) DownloadRole(ctx context.Context, info *RoleInfo, version string) ([]byte, error) {
	return c.DownloadCollection(ctx, roleDownloadURL(info, version))
}

// SearchCollections searches Galaxy for collections matching query.
func (c *Client) SearchCollections(ctx context.Context, query string) ([]CollectionInfo, error) {
	path := "api/v3/plugin/ansible/search/collection-versions/?keywords=" + strings.ReplaceAll(query, " ", "+")

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d searching collections", resp.StatusCode)
	}

	var body struct {
		Data []CollectionInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Data, nil
}

// SearchRoles searches Galaxy for roles matching query.
func (c *Client) SearchRoles(ctx context.Context, query string) ([]RoleInfo, error) {
	path := "api/v1/search/roles/?search=" + strings.ReplaceAll(query, " ", "+")

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, trace.BadParameter("galaxy server returned %d searching roles", resp.StatusCode)
	}

	var body struct {
		Results []RoleInfo `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Results, nil
}

// HealthCheck reports whether a configured server answers below 400.
// The primary server is tried first; if it is unreachable or answers
// with a 5xx, the fallbacks are tried in order.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := c.get(ctx, "api/")
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, nil
}
