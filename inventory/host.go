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

// Package inventory models hosts, groups, and pattern resolution over a
// fleet of target hosts, discovered from static files or dynamic cloud
// plugins.
package inventory

// Transport identifies how a host is reached.
type Transport string

const (
	TransportSSH    Transport = "ssh"
	TransportLocal  Transport = "local"
	TransportDocker Transport = "docker"
)

// ConnectionHints carries the per-host connection overrides consumed by
// sshconn.SessionConfig when a play targets this host.
type ConnectionHints struct {
	Transport      Transport
	IdentityFile   string
	Password       string
	ProxyJump      string
	Compression    bool
	ConnectTimeout int // seconds
}

// Host is one inventory entry.
type Host struct {
	Name     string
	Hostname string // defaults to Name if empty
	Port     int
	User     string

	Vars   map[string]any
	Groups map[string]bool

	Connection ConnectionHints
}

// ResolvedHostname returns Hostname, falling back to Name.
func (h *Host) ResolvedHostname() string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.Name
}

// Group is a named collection of hosts with children groups and
// variables, forming a DAG (no cycles permitted in children).
type Group struct {
	Name     string
	Hosts    map[string]bool
	Children map[string]bool
	Vars     map[string]any
}

func newGroup(name string) *Group {
	return &Group{
		Name:     name,
		Hosts:    map[string]bool{},
		Children: map[string]bool{},
		Vars:     map[string]any{},
	}
}
