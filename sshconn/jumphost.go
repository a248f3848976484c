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

package sshconn

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// JumpHop is one parsed hop of a ProxyJump chain.
type JumpHop struct {
	User string
	Host string
	Port int
}

const defaultSSHPort = 22
const maxJumpDepth = 10

// ParseProxyJump parses a ProxyJump string of the form
// "[user@]host[:port](,[user@]host[:port])*", handling bracketed IPv6
// hosts. An empty string or "none" denotes no jump and returns an empty
// slice.
func ParseProxyJump(spec string) ([]JumpHop, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "none") {
		return nil, nil
	}

	parts := splitTopLevelComma(spec)
	hops := make([]JumpHop, 0, len(parts))
	for _, part := range parts {
		hop, err := parseHop(strings.TrimSpace(part))
		if err != nil {
			return nil, trace.Wrap(err, "parsing proxy jump %q", spec)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// splitTopLevelComma splits on commas that aren't inside a bracketed
// IPv6 literal.
func splitTopLevelComma(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseHop(s string) (JumpHop, error) {
	hop := JumpHop{Port: defaultSSHPort}

	if at := strings.IndexByte(s, '@'); at >= 0 {
		hop.User = s[:at]
		s = s[at+1:]
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return JumpHop{}, trace.BadParameter("unterminated [ in host %q", s)
		}
		hop.Host = s[1:end]
		rest := s[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil {
				return JumpHop{}, trace.BadParameter("bad port in %q", s)
			}
			hop.Port = port
		}
		return hop, nil
	}

	if idx := strings.LastIndexByte(s, ':'); idx >= 0 && !strings.Contains(s[idx+1:], ":") {
		port, err := strconv.Atoi(s[idx+1:])
		if err == nil {
			hop.Host = s[:idx]
			hop.Port = port
			return hop, nil
		}
	}

	hop.Host = s
	return hop, nil
}

// HostConfigLookup resolves a host name's own ProxyJump spec (and
// connection target), used by ResolveChain to walk the chain
// recursively.
type HostConfigLookup interface {
	ProxyJumpFor(host string) (string, bool)
	TargetFor(host string) (Target, bool)
}

// ResolveChain resolves the ordered list of hops that must be traversed
// to reach target, following any ProxyJump on target itself and
// recursively on each jump. Depth is capped at 10; a cycle is reported
// as a configuration error.
func ResolveChain(lookup HostConfigLookup, target string) ([]JumpHop, error) {
	visited := map[string]bool{}
	return resolveChain(lookup, target, visited, 0)
}

func resolveChain(lookup HostConfigLookup, host string, visited map[string]bool, depth int) ([]JumpHop, error) {
	if depth > maxJumpDepth {
		return nil, trace.LimitExceeded("proxy jump chain exceeds max depth %d", maxJumpDepth)
	}
	if visited[host] {
		return nil, trace.BadParameter("circular reference in proxy jump chain at host %q", host)
	}
	visited[host] = true

	spec, ok := lookup.ProxyJumpFor(host)
	if !ok || spec == "" || strings.EqualFold(spec, "none") {
		return nil, nil
	}

	hops, err := ParseProxyJump(spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var chain []JumpHop
	for _, hop := range hops {
		upstream, err := resolveChain(lookup, hop.Host, visited, depth+1)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		chain = append(chain, upstream...)
		chain = append(chain, hop)
	}
	return chain, nil
}

// TunnelDialer builds a Dialer that connects to the first hop directly,
// then opens a direct-tcpip channel hop-by-hop until reaching the final
// target address, per spec.md §4.7. authFor supplies the ssh.ClientConfig
// to use when authenticating to a given hop.
func TunnelDialer(chain []JumpHop, authFor func(hop JumpHop) (*ssh.ClientConfig, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if len(chain) == 0 {
			d := net.Dialer{}
			return d.DialContext(ctx, network, addr)
		}

		first := chain[0]
		firstAddr := net.JoinHostPort(first.Host, strconv.Itoa(first.Port))
		cfg, err := authFor(first)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		client, err := ssh.Dial("tcp", firstAddr, cfg)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "dialing jump host %s", firstAddr)
		}

		for _, hop := range chain[1:] {
			nextAddr := net.JoinHostPort(hop.Host, strconv.Itoa(hop.Port))
			conn, err := client.Dial("tcp", nextAddr)
			if err != nil {
				return nil, trace.ConnectionProblem(err, "tunneling to %s", nextAddr)
			}
			hopCfg, err := authFor(hop)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			sshConn, chans, reqs, err := ssh.NewClientConn(conn, nextAddr, hopCfg)
			if err != nil {
				return nil, trace.ConnectionProblem(err, "handshake with %s", nextAddr)
			}
			client = ssh.NewClient(sshConn, chans, reqs)
		}

		return client.Dial(network, addr)
	}
}
