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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProxyJumpBasic(t *testing.T) {
	hops, err := ParseProxyJump("a,b,c")
	require.NoError(t, err)
	require.Len(t, hops, 3)
}

func TestParseProxyJumpUserHostPort(t *testing.T) {
	hops, err := ParseProxyJump("user@h:22")
	require.NoError(t, err)
	require.Equal(t, []JumpHop{{User: "user", Host: "h", Port: 22}}, hops)
}

func TestParseProxyJumpIPv6(t *testing.T) {
	hops, err := ParseProxyJump("[::1]:2222")
	require.NoError(t, err)
	require.Equal(t, []JumpHop{{Host: "::1", Port: 2222}}, hops)
}

func TestParseProxyJumpEmpty(t *testing.T) {
	hops, err := ParseProxyJump("")
	require.NoError(t, err)
	require.Empty(t, hops)

	hops, err = ParseProxyJump("none")
	require.NoError(t, err)
	require.Empty(t, hops)
}

func TestParseProxyJumpTooDeep(t *testing.T) {
	spec := "h1"
	for i := 2; i <= 11; i++ {
		spec += ",h" + string(rune('0'+i))
	}
	hops, err := ParseProxyJump(spec)
	require.NoError(t, err) // parsing itself doesn't enforce depth
	require.Len(t, hops, 11)
}

type fakeLookup map[string]string

func (f fakeLookup) ProxyJumpFor(host string) (string, bool) {
	v, ok := f[host]
	return v, ok
}

func (f fakeLookup) TargetFor(host string) (Target, bool) {
	return Target{Host: host, Port: defaultSSHPort}, true
}

func TestResolveChainDepthCap(t *testing.T) {
	lookup := fakeLookup{}
	prev := "target"
	for i := 0; i < 11; i++ {
		next := "jump" + string(rune('a'+i))
		lookup[prev] = next
		prev = next
	}

	_, err := ResolveChain(lookup, "target")
	require.Error(t, err)
}

func TestResolveChainCycle(t *testing.T) {
	lookup := fakeLookup{
		"a": "b",
		"b": "a",
	}
	_, err := ResolveChain(lookup, "a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "circular")
}

func TestResolveChainNone(t *testing.T) {
	lookup := fakeLookup{}
	hops, err := ResolveChain(lookup, "direct-host")
	require.NoError(t, err)
	require.Empty(t, hops)
}
