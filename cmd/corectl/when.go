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

package main

import (
	"fmt"
	"sort"

	"github.com/gravitational/trace"
	"go.starlark.net/starlark"

	"github.com/fleetforge/corectl/exec"
)

// evalWhen implements exec.WhenEvaluator with a Starlark expression
// evaluator: every effective variable is bound as a global, and expr is
// evaluated as a single expression whose truth value gates the task.
// Starlark's deterministic, side-effect-free subset of Python is the
// concrete choice this engine makes at the module boundary exec.Executor
// leaves open.
func evalWhen(expr string, vars map[string]any) (bool, error) {
	globals := make(starlark.StringDict, len(vars))
	for k, v := range vars {
		sv, err := toStarlark(v)
		if err != nil {
			return false, trace.Wrap(err, "binding %q for when-expression", k)
		}
		globals[k] = sv
	}

	thread := &starlark.Thread{Name: "when"}
	result, err := starlark.Eval(thread, "<when>", expr, globals)
	if err != nil {
		return false, trace.BadParameter("evaluating when-expression %q: %v", expr, err)
	}
	return bool(result.Truth()), nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case []any:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return starlark.String(fmt.Sprint(t)), nil
	}
}

var _ exec.WhenEvaluator = evalWhen
