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

package shellutil

import (
	"sort"
	"strings"
)

// BecomeMethod is a privilege-escalation mechanism.
type BecomeMethod string

const (
	BecomeSudo BecomeMethod = "sudo"
	BecomeSu   BecomeMethod = "su"
	BecomeDoas BecomeMethod = "doas"
)

// Become describes how to escalate privileges before running a command.
// A zero value means "no escalation".
type Become struct {
	Method   BecomeMethod
	User     string
	Password string // only ever used to decide whether -S/stdin piping is needed
}

// CommandOptions control how JoinCommand assembles the final remote
// command line.
type CommandOptions struct {
	Cwd    string
	Env    map[string]string
	Become *Become
}

// JoinCommand builds the remote command string in the fixed order the
// transport layer relies on: an optional cd, then exports, then the
// privilege-escalation prefix, then cmd verbatim. cmd itself is never
// quoted or rewritten so shell pipelines the caller wrote are preserved.
func JoinCommand(cmd string, opts CommandOptions) string {
	var parts []string

	if opts.Cwd != "" {
		parts = append(parts, "cd "+Escape(opts.Cwd)+" &&")
	}

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, "export "+k+"="+Escape(opts.Env[k])+";")
		}
	}

	if opts.Become != nil {
		parts = append(parts, becomePrefix(*opts.Become))
	}

	parts = append(parts, cmd)
	return strings.Join(parts, " ")
}

// becomePrefix renders the privilege-escalation prefix for a Become
// config. Unknown methods fall through to sudo; an empty user defaults
// to root.
func becomePrefix(b Become) string {
	user := b.User
	if user == "" {
		user = "root"
	}

	switch b.Method {
	case BecomeSu:
		return "su - " + Escape(user) + " -c"
	case BecomeDoas:
		return doasPrefix(b, user)
	case BecomeSudo, "":
		return sudoPrefix(b, user)
	default:
		return sudoPrefix(b, user)
	}
}

func sudoPrefix(b Become, user string) string {
	if b.Password != "" {
		return "sudo -S -u " + Escape(user) + " --"
	}
	return "sudo -u " + Escape(user) + " --"
}

func doasPrefix(b Become, user string) string {
	return "doas -u " + Escape(user) + " --"
}
