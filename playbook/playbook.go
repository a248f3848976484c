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

// Package playbook decodes play/task YAML documents into the shape the
// execution engine consumes. It deliberately validates only the fields
// it reads; broader playbook schema validation is out of scope.
package playbook

import (
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Strategy controls whether hosts in a batch advance through tasks in
// lockstep or independently.
type Strategy string

const (
	StrategyLinear Strategy = "linear"
	StrategyFree   Strategy = "free"
)

// Become carries privilege-escalation overrides at play or task scope.
type Become struct {
	Enabled bool   `yaml:"become"`
	Method  string `yaml:"become_method"`
	User    string `yaml:"become_user"`
}

// Task is one step of a play: exactly one module key plus its args,
// and the optional control-flow fields spec.md §3 names.
type Task struct {
	Name string `yaml:"name"`

	Module string
	Args   map[string]any

	When         string         `yaml:"when"`
	Tags         StringList     `yaml:"tags"`
	Register     string         `yaml:"register"`
	IgnoreErrors bool           `yaml:"ignore_errors"`
	Loop         []any          `yaml:"loop"`
	Notify       StringList     `yaml:"notify"`
	DelegateTo   string         `yaml:"delegate_to"`
	FailedWhen   string         `yaml:"failed_when"`
	ChangedWhen  string         `yaml:"changed_when"`
	Become       Become         `yaml:",inline"`
	CheckMode    *bool          `yaml:"check_mode"`
}

// StringList decodes either a bare scalar or a sequence as a []string,
// per spec.md §4.8's "normalised to a string list whether declared as a
// scalar or a sequence".
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return trace.Wrap(err)
		}
		if single != "" {
			*s = []string{single}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return trace.Wrap(err)
		}
		*s = list
		return nil
	default:
		return trace.BadParameter("expected scalar or sequence, got %v", value.Kind)
	}
}

// knownTaskFields lists every YAML key Task decodes explicitly; any
// other key is assumed to be the module name (with the remaining map as
// its args), matching the "exactly one module key" shape from spec.md §3.
var knownTaskFields = map[string]bool{
	"name": true, "when": true, "tags": true, "register": true,
	"ignore_errors": true, "loop": true, "notify": true, "delegate_to": true,
	"failed_when": true, "changed_when": true, "become": true,
	"become_method": true, "become_user": true, "check_mode": true,
}

// UnmarshalYAML pulls the known control-flow fields via the struct tags
// above, then treats whatever single remaining key is left as the
// module name and its value as the module args.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	type taskAlias Task
	var alias taskAlias
	if err := value.Decode(&alias); err != nil {
		return trace.Wrap(err)
	}
	*t = Task(alias)

	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}

	var moduleKey string
	for k := range raw {
		if knownTaskFields[k] {
			continue
		}
		if moduleKey != "" {
			return trace.BadParameter("task has more than one module key: %q and %q", moduleKey, k)
		}
		moduleKey = k
	}
	if moduleKey == "" {
		return trace.BadParameter("task declares no module")
	}
	t.Module = moduleKey

	argsNode := raw[moduleKey]
	switch argsNode.Kind {
	case yaml.MappingNode:
		var args map[string]any
		if err := argsNode.Decode(&args); err != nil {
			return trace.Wrap(err)
		}
		t.Args = args
	case yaml.ScalarNode:
		var freeForm string
		if err := argsNode.Decode(&freeForm); err != nil {
			return trace.Wrap(err)
		}
		t.Args = map[string]any{"_raw": freeForm}
	default:
		return trace.BadParameter("module %q has unsupported args shape", moduleKey)
	}
	return nil
}

// Play is one ordered stage of task execution over a pattern-resolved
// host set.
type Play struct {
	Name string `yaml:"name"`
	Hosts string `yaml:"hosts"`

	PreTasks  []Task `yaml:"pre_tasks"`
	Roles     []any  `yaml:"roles"`
	Tasks     []Task `yaml:"tasks"`
	PostTasks []Task `yaml:"post_tasks"`
	Handlers  []Task `yaml:"handlers"`

	GatherFacts bool     `yaml:"gather_facts"`
	Strategy    Strategy `yaml:"strategy"`
	Serial      any      `yaml:"serial"` // int or "NN%"
	Become      Become   `yaml:",inline"`
	Vars        map[string]any `yaml:"vars"`
}

// Parse decodes a playbook document: a top-level YAML sequence of
// plays.
func Parse(data []byte) ([]Play, error) {
	var plays []Play
	if err := yaml.Unmarshal(data, &plays); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range plays {
		if plays[i].Strategy == "" {
			plays[i].Strategy = StrategyLinear
		}
	}
	return plays, nil
}
