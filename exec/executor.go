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

package exec

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/playbook"
)

// WhenEvaluator evaluates a `when` (or `failed_when`/`changed_when`)
// expression in the scope of a host's effective variables. Per spec.md
// §4.8 the expression language itself is a module boundary: this
// engine only requires the evaluator to be deterministic and
// side-effect-free.
type WhenEvaluator func(expr string, vars map[string]any) (bool, error)

// Executor runs one task against one host.
type Executor struct {
	Eval      WhenEvaluator
	CheckMode bool
}

// NewExecutor builds an Executor with the given when-expression
// evaluator.
func NewExecutor(eval WhenEvaluator) *Executor {
	return &Executor{Eval: eval}
}

// TaskOutcome is what the PlayRunner needs back from one (task, host)
// execution: the terminal status plus enough of the result to drive
// recap, register, and notify.
type TaskOutcome struct {
	Status   Status
	Result   Result
	Duration time.Duration
	Err      error
}

// RunTask evaluates the task's `when` gate, then (if the gate passes)
// dispatches to the registered module, applying check-mode and
// ignore_errors semantics from spec.md §4.8. A task carrying `loop`
// items runs once per item via runLoop; otherwise it runs once via
// runOnce.
func (e *Executor) RunTask(ctx context.Context, task playbook.Task, mc ModuleContext) TaskOutcome {
	start := time.Now()
	if len(task.Loop) == 0 {
		return e.runOnce(ctx, task, mc, start)
	}
	return e.runLoop(ctx, task, mc, start)
}

// runOnce is one dispatch of a task against one host: `when` gate,
// module lookup and invocation, then changed_when/failed_when
// overrides (spec §6 lists both as task keys the core consumes) ahead
// of the ordinary check-mode/ignore_errors status derivation.
func (e *Executor) runOnce(ctx context.Context, task playbook.Task, mc ModuleContext, start time.Time) TaskOutcome {
	if task.When != "" {
		ok, err := e.Eval(task.When, mc.Vars)
		if err != nil {
			return TaskOutcome{Status: StatusFailed, Duration: time.Since(start), Err: trace.Wrap(err)}
		}
		if !ok {
			return TaskOutcome{Status: StatusSkipped, Duration: time.Since(start)}
		}
	}

	module, err := MustLookup(task.Module)
	if err != nil {
		return TaskOutcome{Status: StatusFailed, Duration: time.Since(start), Err: trace.Wrap(err)}
	}

	checkMode := e.CheckMode
	if task.CheckMode != nil {
		checkMode = *task.CheckMode
	}

	runCtx := mc
	runCtx.Args = task.Args
	runCtx.CheckMode = checkMode && !module.ReadOnly()

	result, runErr := module.Run(ctx, runCtx)
	duration := time.Since(start)

	if runErr != nil {
		status := StatusFailed
		if trace.IsConnectionProblem(runErr) {
			status = StatusUnreachable
		}
		if task.IgnoreErrors {
			status = StatusIgnored
		}
		return TaskOutcome{Status: status, Result: result, Duration: duration, Err: runErr}
	}

	if task.ChangedWhen != "" {
		changed, err := e.Eval(task.ChangedWhen, withResult(mc.Vars, result))
		if err != nil {
			return TaskOutcome{Status: StatusFailed, Result: result, Duration: duration, Err: trace.Wrap(err, "evaluating changed_when")}
		}
		result.Changed = changed
	}

	if task.FailedWhen != "" {
		failed, err := e.Eval(task.FailedWhen, withResult(mc.Vars, result))
		if err != nil {
			return TaskOutcome{Status: StatusFailed, Result: result, Duration: duration, Err: trace.Wrap(err, "evaluating failed_when")}
		}
		if failed {
			status := StatusFailed
			if task.IgnoreErrors {
				status = StatusIgnored
			}
			result.Status = status
			return TaskOutcome{Status: status, Result: result, Duration: duration, Err: trace.Errorf("failed_when condition was true for task %q", task.Name)}
		}
	}

	if checkMode && !module.ReadOnly() && result.Changed {
		result.Status = StatusChanged
		return TaskOutcome{Status: StatusChanged, Result: result, Duration: duration}
	}

	status := result.Status
	if status == "" {
		if result.Changed {
			status = StatusChanged
		} else {
			status = StatusOK
		}
	}
	if status == StatusFailed && task.IgnoreErrors {
		status = StatusIgnored
	}

	return TaskOutcome{Status: status, Result: result, Duration: duration}
}

// withResult layers a module's result under the "result" key so
// changed_when/failed_when expressions can reference result.rc,
// result.stdout, etc. the same way when-expressions reference host
// variables.
func withResult(vars map[string]any, result Result) map[string]any {
	merged := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		merged[k] = v
	}
	merged["result"] = map[string]any{
		"rc":      result.RC,
		"stdout":  result.Stdout,
		"stderr":  result.Stderr,
		"changed": result.Changed,
		"msg":     result.Msg,
	}
	return merged
}

// runLoop executes task once per item in task.Loop, binding each
// item as the "item" variable so `when`/module args/changed_when can
// all reference it, and aggregates the per-item outcomes into one
// TaskOutcome: Failed (Ignored under ignore_errors) if any iteration
// failed, else Unreachable if any iteration was, else Changed if any
// iteration changed, else Skipped if every item was, else OK. Without
// ignore_errors the first failed or unreachable iteration stops the
// remaining items. Result.Data["results"] carries each iteration's own outcome,
// mirroring Ansible's loop/register "result.results" convention.
func (e *Executor) runLoop(ctx context.Context, task playbook.Task, mc ModuleContext, start time.Time) TaskOutcome {
	var (
		results        []any
		anyChanged     bool
		anyFailed      bool
		anyUnreachable bool
		allSkipped     = true
		lastErr        error
	)

	for _, item := range task.Loop {
		itemVars := make(map[string]any, len(mc.Vars)+1)
		for k, v := range mc.Vars {
			itemVars[k] = v
		}
		itemVars["item"] = item

		itemMC := mc
		itemMC.Vars = itemVars

		outcome := e.runOnce(ctx, task, itemMC, start)
		results = append(results, map[string]any{
			"item":    item,
			"status":  string(outcome.Status),
			"changed": outcome.Result.Changed,
			"msg":     outcome.Result.Msg,
		})

		if outcome.Status != StatusSkipped {
			allSkipped = false
		}
		if outcome.Result.Changed {
			anyChanged = true
		}
		switch outcome.Status {
		case StatusFailed:
			anyFailed = true
			lastErr = outcome.Err
		case StatusUnreachable:
			anyUnreachable = true
			lastErr = outcome.Err
		case StatusIgnored:
			// runOnce has already folded ignore_errors into this
			// iteration's status; count it as a failure so the
			// aggregate below becomes Ignored.
			anyFailed = true
			lastErr = outcome.Err
		}
		if (outcome.Status == StatusFailed || outcome.Status == StatusUnreachable) && !task.IgnoreErrors {
			break
		}
	}

	status := StatusOK
	switch {
	case anyFailed:
		status = StatusFailed
	case anyUnreachable:
		status = StatusUnreachable
	case anyChanged:
		status = StatusChanged
	case allSkipped:
		status = StatusSkipped
	}
	if status == StatusFailed && task.IgnoreErrors {
		status = StatusIgnored
	}

	return TaskOutcome{
		Status:   status,
		Result:   Result{Changed: anyChanged, Data: map[string]any{"results": results}},
		Duration: time.Since(start),
		Err:      lastErr,
	}
}

// TagsMatch implements the tag/skip-tag filter from spec.md §4.8: a
// task runs iff (configured tags is empty OR any configured tag is
// "all" OR the intersection with the task's tags is non-empty) AND the
// intersection with skipTags is empty.
func TagsMatch(taskTags playbook.StringList, tags, skipTags []string) bool {
	if intersects(taskTags, skipTags) {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if t == "all" {
			return true
		}
	}
	return intersects(taskTags, tags)
}

func intersects(a playbook.StringList, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if set[v] {
			return true
		}
	}
	return false
}
