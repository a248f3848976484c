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

// Package plugins implements the DynamicInventoryPlugin contract and
// cloud provider adapters (EC2, Azure, GCP) that populate an
// inventory.Inventory from live cloud APIs.
package plugins

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/fleetforge/corectl/inventory"
)

// KeyedGroup resolves a key expression on an instance to a group name,
// optionally prefixed and separated.
type KeyedGroup struct {
	Key       string
	Prefix    string
	Separator string
	Default   string
}

// Filter is an attribute → value-set match: AND across keys, OR within
// a key's value set (tag-filter semantics).
type Filter map[string][]string

// Config is the common configuration shape every cloud adapter accepts,
// per spec.md §4.5.
type Config struct {
	Filters     Filter
	KeyedGroups []KeyedGroup
	// Hostnames is an ordered preference list of instance attributes to
	// use as the inventory host name; the first non-empty value wins.
	Hostnames []string
	// Compose maps ansible_host/ansible_user/ansible_port/extra-var
	// names to simple dotted-attribute expressions evaluated against
	// the instance's attribute map.
	Compose map[string]string
}

// Instance is the adapter-neutral shape a cloud SDK object is reduced
// to before group/hostname resolution. ID is the provider's own
// instance/VM identifier, used as the hostname fallback.
type Instance struct {
	ID         string
	Region     string
	Zone       string
	Type       string
	Status     string
	VPCID      string
	ResourceGroup string
	Tags       map[string]string
	Attributes map[string]any
}

// Plugin is the DynamicInventoryPlugin contract: a plugin advertises
// its identity, and implements Parse/Refresh against live state.
type Plugin interface {
	Name() string
	Version() string
	Description() string

	// Parse builds a fresh Inventory from the current cloud state.
	Parse(ctx context.Context) (*inventory.Inventory, error)
	// Refresh re-parses into the same semantics as Parse; adapters that
	// have no incremental update mechanism may simply call Parse.
	Refresh(ctx context.Context) (*inventory.Inventory, error)
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Sanitise converts a candidate group name fragment to the
// non-alphanumeric→"_" form every adapter's group names must use. A
// name that sanitises to empty is reported via ok=false so the caller
// can drop it, per spec.md §4.5.
func Sanitise(s string) (name string, ok bool) {
	out := nonAlnum.ReplaceAllString(s, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "", false
	}
	return out, true
}

// StandardGroups computes the region_/az_/type_/status_/vpc_/rg_ groups
// and the per-tag tag_<key>_<value> groups for one instance, applying
// Sanitise and dropping empties.
func StandardGroups(inst Instance) []string {
	var groups []string
	add := func(prefix, value string) {
		if value == "" {
			return
		}
		if s, ok := Sanitise(value); ok {
			groups = append(groups, prefix+s)
		}
	}
	add("region_", inst.Region)
	add("az_", inst.Zone)
	add("type_", inst.Type)
	add("status_", inst.Status)
	add("vpc_", inst.VPCID)
	add("rg_", inst.ResourceGroup)

	for k, v := range inst.Tags {
		if sk, ok := Sanitise(k); ok {
			if sv, ok := Sanitise(v); ok {
				groups = append(groups, "tag_"+sk+"_"+sv)
			}
		}
	}
	return groups
}

// KeyedGroupsFor resolves every configured keyed_group against an
// instance's attribute map.
func KeyedGroupsFor(kgs []KeyedGroup, inst Instance) []string {
	var groups []string
	for _, kg := range kgs {
		value, ok := lookupAttr(inst, kg.Key)
		if !ok || value == "" {
			value = kg.Default
		}
		if value == "" {
			continue
		}
		sanitised, ok := Sanitise(value)
		if !ok {
			continue
		}
		var name string
		if kg.Prefix == "" {
			name = sanitised
		} else {
			sep := kg.Separator
			if sep == "" {
				sep = "_"
			}
			name = kg.Prefix + sep + sanitised
		}
		groups = append(groups, name)
	}
	return groups
}

// ResolveHostname walks the hostnames preference list, returning the
// first non-empty attribute value; falls back to inst.ID.
func ResolveHostname(hostnames []string, inst Instance) string {
	for _, attr := range hostnames {
		if v, ok := lookupAttr(inst, attr); ok && v != "" {
			return v
		}
	}
	return inst.ID
}

// MatchesFilters applies AND-across-keys, OR-within-key semantics.
func MatchesFilters(f Filter, inst Instance) bool {
	for key, values := range f {
		attrVal, ok := lookupAttr(inst, key)
		if !ok {
			return false
		}
		matched := false
		for _, v := range values {
			if attrVal == v {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// lookupAttr resolves a dotted attribute expression against an
// instance's well-known fields first, then its free-form Attributes
// map, then Tags under a "tags." prefix.
func lookupAttr(inst Instance, expr string) (string, bool) {
	switch expr {
	case "id":
		return inst.ID, true
	case "region":
		return inst.Region, true
	case "zone":
		return inst.Zone, true
	case "type":
		return inst.Type, true
	case "status":
		return inst.Status, true
	case "vpc_id":
		return inst.VPCID, true
	case "resource_group":
		return inst.ResourceGroup, true
	}
	if strings.HasPrefix(expr, "tags.") {
		v, ok := inst.Tags[strings.TrimPrefix(expr, "tags.")]
		return v, ok
	}
	if v, ok := inst.Attributes[expr]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// BuildInventory turns a list of already-filtered instances into an
// Inventory, applying base-group/standard-group/keyed-group creation
// and hostname resolution uniformly across adapters.
func BuildInventory(pluginName string, instances []Instance, cfg Config) *inventory.Inventory {
	inv := inventory.New()
	base, ok := Sanitise(pluginName)
	if !ok {
		base = pluginName
	}
	inv.AddGroup(base)

	for _, inst := range instances {
		if !MatchesFilters(cfg.Filters, inst) {
			continue
		}
		name := ResolveHostname(cfg.Hostnames, inst)
		h := inv.AddHost(name, base)

		for _, g := range StandardGroups(inst) {
			h = inv.AddHost(name, g)
		}
		for _, g := range KeyedGroupsFor(cfg.KeyedGroups, inst) {
			h = inv.AddHost(name, g)
		}

		for target, expr := range cfg.Compose {
			if v, ok := lookupAttr(inst, expr); ok {
				applyComposedVar(h, target, v)
			}
		}
	}
	return inv
}

func applyComposedVar(h *inventory.Host, target, value string) {
	switch target {
	case "ansible_host":
		h.Hostname = value
	case "ansible_user":
		h.User = value
	case "ansible_port":
		if port, err := strconv.Atoi(value); err == nil {
			h.Port = port
		}
	default:
		h.Vars[target] = value
	}
}
