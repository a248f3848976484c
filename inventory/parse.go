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
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// yamlGroup mirrors the "all.hosts"/"all.children" nested shape used by
// both the YAML and JSON inventory formats.
type yamlGroup struct {
	Hosts    map[string]map[string]any `yaml:"hosts" json:"hosts"`
	Vars     map[string]any            `yaml:"vars" json:"vars"`
	Children map[string]yamlGroup      `yaml:"children" json:"children"`
}

type yamlRoot struct {
	All yamlGroup `yaml:"all" json:"all"`
}

// ParseFile sniffs format by extension first, falling back to
// ParseAuto's content sniff for extensionless sources.
func ParseFile(path string, data []byte) (*Inventory, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return ParseYAML(data)
	case ".json":
		return ParseJSON(data)
	case ".ini", ".cfg", "":
		return ParseAuto(data)
	default:
		return ParseAuto(data)
	}
}

// ParseAuto content-sniffs: JSON if the trimmed input starts with '{',
// YAML if it parses as the expected nested shape and actually yields
// hosts or groups, INI otherwise. The host/group check matters because
// INI-shaped input (bare hostnames, "[group]\nhost" sections) is often
// also syntactically valid as an empty or partial YAML document — a
// bare YAML-success check would "succeed" on INI input with a silently
// empty inventory instead of falling through to ParseINI.
func ParseAuto(data []byte) (*Inventory, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return ParseINI(data)
	}
	if strings.HasPrefix(trimmed, "{") {
		return ParseJSON(data)
	}
	if inv, err := ParseYAML(data); err == nil && yieldedContent(inv) {
		return inv, nil
	}
	return ParseINI(data)
}

// yieldedContent reports whether a parse produced any host or any group
// beyond the always-present implicit "all" group.
func yieldedContent(inv *Inventory) bool {
	if len(inv.Hosts) > 0 {
		return true
	}
	for name := range inv.Groups {
		if name != allGroup {
			return true
		}
	}
	return false
}

// ParseYAML decodes the "all.hosts"/"all.children" nested YAML format.
func ParseYAML(data []byte) (*Inventory, error) {
	var root yamlRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, trace.Wrap(err)
	}
	return buildFromRoot(root)
}

// ParseJSON decodes the equivalent JSON shape.
func ParseJSON(data []byte) (*Inventory, error) {
	var root yamlRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, trace.Wrap(err)
	}
	return buildFromRoot(root)
}

func buildFromRoot(root yamlRoot) (*Inventory, error) {
	inv := New()
	inv.Groups[allGroup].Vars = root.All.Vars
	if err := ingestGroup(inv, allGroup, root.All); err != nil {
		return nil, trace.Wrap(err)
	}
	return inv, nil
}

func ingestGroup(inv *Inventory, name string, g yamlGroup) error {
	for hostName, vars := range g.Hosts {
		h := inv.AddHost(hostName)
		if name != allGroup {
			inv.addHostToGroup(h, name)
		}
		for k, v := range vars {
			h.Vars[k] = v
		}
	}
	if name != allGroup {
		inv.Groups[name].Vars = g.Vars
	}
	for childName, child := range g.Children {
		if err := inv.AddChild(name, childName); err != nil {
			return trace.Wrap(err)
		}
		if err := ingestGroup(inv, childName, child); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ParseINI decodes the line-oriented "[group]"/"[group:children]"/
// "[group:vars]" format, with `key=value` host variables inline on each
// host line.
func ParseINI(data []byte) (*Inventory, error) {
	inv := New()

	// ini.v1 keeps a section's raw Body only for sections listed as
	// unparseable, so every host and children section is listed; the
	// lines before the first header go into a leading synthetic section,
	// which is this format's implicit group of ungrouped hosts.
	const preamble = "__ungrouped_preamble__"
	rawSections := []string{preamble}
	for _, line := range splitLines(string(data)) {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") && !strings.HasSuffix(t, ":vars]") {
			rawSections = append(rawSections, t[1:len(t)-1])
		}
	}
	src := append([]byte("["+preamble+"]\n"), data...)

	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, UnparseableSections: rawSections}, src)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		switch {
		case name == ini.DefaultSection || name == preamble:
			if err := ingestHostLines(inv, "", section.Body()); err != nil {
				return nil, trace.Wrap(err)
			}
		case strings.HasSuffix(name, ":children"):
			parent := strings.TrimSuffix(name, ":children")
			inv.AddGroup(parent)
			for _, line := range splitLines(section.Body()) {
				child := strings.TrimSpace(line)
				if child == "" {
					continue
				}
				if err := inv.AddChild(parent, child); err != nil {
					return nil, trace.Wrap(err)
				}
			}
		case strings.HasSuffix(name, ":vars"):
			group := strings.TrimSuffix(name, ":vars")
			g := inv.AddGroup(group)
			for _, key := range section.Keys() {
				g.Vars[key.Name()] = key.Value()
			}
		default:
			if err := ingestHostLines(inv, name, section.Body()); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}

	return inv, nil
}

func splitLines(body string) []string {
	return strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
}

// ingestHostLines parses lines of the form
// "hostname key1=val1 key2=val2 ...", adding each host to group (the
// empty string denotes no group beyond "all").
func ingestHostLines(inv *Inventory, group string, body string) error {
	for _, line := range splitLines(body) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := splitHostLine(line)
		if len(fields) == 0 {
			continue
		}
		hostName := fields[0]
		h := inv.AddHost(hostName)
		if group != "" {
			inv.addHostToGroup(h, group)
		}
		for _, kv := range fields[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			h.Vars[k] = coerceScalar(v)
		}
	}
	return nil
}

// splitHostLine splits on whitespace but keeps quoted values
// (key="a b") intact.
func splitHostLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func coerceScalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	return v
}
