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

package inventory

import (
	"regexp"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

const allGroup = "all"
const ungroupedGroup = "ungrouped"

// Inventory is the full set of known hosts and groups.
type Inventory struct {
	Hosts  map[string]*Host
	Groups map[string]*Group
}

// New returns an empty inventory with the implicit "all" group present.
func New() *Inventory {
	inv := &Inventory{
		Hosts:  map[string]*Host{},
		Groups: map[string]*Group{},
	}
	inv.Groups[allGroup] = newGroup(allGroup)
	return inv
}

// AddHost registers a host, creating it if absent, and merges groups.
func (inv *Inventory) AddHost(name string, groups ...string) *Host {
	h, ok := inv.Hosts[name]
	if !ok {
		h = &Host{Name: name, Vars: map[string]any{}, Groups: map[string]bool{}}
		inv.Hosts[name] = h
	}
	h.Groups[allGroup] = true
	inv.Groups[allGroup].Hosts[name] = true
	for _, g := range groups {
		inv.addHostToGroup(h, g)
	}
	return h
}

func (inv *Inventory) addHostToGroup(h *Host, groupName string) {
	g, ok := inv.Groups[groupName]
	if !ok {
		g = newGroup(groupName)
		inv.Groups[groupName] = g
	}
	g.Hosts[h.Name] = true
	h.Groups[groupName] = true
}

// AddGroup registers an empty group if absent and returns it.
func (inv *Inventory) AddGroup(name string) *Group {
	g, ok := inv.Groups[name]
	if !ok {
		g = newGroup(name)
		inv.Groups[name] = g
	}
	return g
}

// AddChild links child as a sub-group of parent, after checking the
// children graph stays acyclic.
func (inv *Inventory) AddChild(parent, child string) error {
	inv.AddGroup(parent)
	inv.AddGroup(child)
	if inv.introducesCycle(parent, child) {
		return trace.BadParameter("adding %q as a child of %q would create a cycle", child, parent)
	}
	inv.Groups[parent].Children[child] = true
	return nil
}

func (inv *Inventory) introducesCycle(parent, child string) bool {
	if parent == child {
		return true
	}
	visited := map[string]bool{}
	var walk func(name string) bool
	walk = func(name string) bool {
		if name == parent {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		g, ok := inv.Groups[name]
		if !ok {
			return false
		}
		for c := range g.Children {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(child)
}

// Ungrouped returns the set of hosts that belong to no group other than
// "all".
func (inv *Inventory) Ungrouped() []string {
	var names []string
	for name, h := range inv.Hosts {
		onlyAll := true
		for g := range h.Groups {
			if g != allGroup {
				onlyAll = false
				break
			}
		}
		if onlyAll {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EffectiveVars computes a host's variables per the precedence rule:
// all-group vars, then parent-group vars (DFS, parents before children),
// then the host's direct groups' vars, then host vars, then extra vars
// supplied by the caller (playbook-extra, then task-scope), each layer
// overriding the one before it.
func (inv *Inventory) EffectiveVars(hostName string, extraVarLayers ...map[string]any) (map[string]any, error) {
	h, ok := inv.Hosts[hostName]
	if !ok {
		return nil, trace.NotFound("host %q not found", hostName)
	}

	result := map[string]any{}
	merge := func(vars map[string]any) {
		for k, v := range vars {
			result[k] = v
		}
	}

	if g, ok := inv.Groups[allGroup]; ok {
		merge(g.Vars)
	}

	groupNames := make([]string, 0, len(inv.Groups))
	for name := range inv.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	visited := map[string]bool{allGroup: true}
	var dfs func(name string)
	dfs = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		g, ok := inv.Groups[name]
		if !ok {
			return
		}
		for _, parent := range groupNames {
			if inv.Groups[parent].Children[name] {
				dfs(parent)
			}
		}
		merge(g.Vars)
	}

	directGroups := sortedKeys(h.Groups)
	for _, gname := range directGroups {
		if gname == allGroup {
			continue
		}
		dfs(gname)
		if g, ok := inv.Groups[gname]; ok {
			merge(g.Vars)
		}
	}

	merge(h.Vars)
	for _, layer := range extraVarLayers {
		merge(layer)
	}

	return result, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve expands a comma-separated pattern (group names, host names, or
// "*"-globs) into an ordered, deduplicated host-name list, per spec.md
// §4.4. limit, if non-empty, is intersected with the result afterward.
func (inv *Inventory) Resolve(pattern string, limit ...string) ([]string, error) {
	tokens := strings.Split(pattern, ",")
	seen := map[string]bool{}
	var ordered []string

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			ordered = append(ordered, name)
		}
	}

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch {
		case tok == allGroup:
			for name := range inv.Hosts {
				add(name)
			}
		case strings.Contains(tok, "*"):
			re, err := globToRegexp(tok)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for name := range inv.Hosts {
				if re.MatchString(name) {
					add(name)
				}
			}
		case inv.isGroup(tok):
			for _, name := range inv.groupMembersRecursive(tok) {
				add(name)
			}
		case inv.isHost(tok):
			add(tok)
		default:
			return nil, trace.NotFound("no host or group matches %q", tok)
		}
	}

	if len(limit) > 0 && limit[0] != "" {
		limited, err := inv.Resolve(limit[0])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		limitSet := map[string]bool{}
		for _, n := range limited {
			limitSet[n] = true
		}
		var intersected []string
		for _, n := range ordered {
			if limitSet[n] {
				intersected = append(intersected, n)
			}
		}
		return intersected, nil
	}

	return ordered, nil
}

func (inv *Inventory) isGroup(name string) bool {
	_, ok := inv.Groups[name]
	return ok
}

func (inv *Inventory) isHost(name string) bool {
	_, ok := inv.Hosts[name]
	return ok
}

func (inv *Inventory) groupMembersRecursive(name string) []string {
	visited := map[string]bool{}
	seen := map[string]bool{}
	var out []string
	var walk func(gname string)
	walk = func(gname string) {
		if visited[gname] {
			return
		}
		visited[gname] = true
		g, ok := inv.Groups[gname]
		if !ok {
			return
		}
		for _, h := range sortedKeys(g.Hosts) {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
		for _, c := range sortedKeys(g.Children) {
			walk(c)
		}
	}
	walk(name)
	return out
}

// globToRegexp compiles an anchored regexp for a pattern where "*" is
// the only wildcard; all other regexp metacharacters are escaped.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return re, nil
}
