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

package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitise(t *testing.T) {
	name, ok := Sanitise("us-east-1a")
	require.True(t, ok)
	require.Equal(t, "us_east_1a", name)

	_, ok = Sanitise("***")
	require.False(t, ok)
}

func TestStandardGroups(t *testing.T) {
	inst := Instance{
		Region: "us-east-1",
		Zone:   "us-east-1a",
		Type:   "t3.micro",
		Status: "running",
		VPCID:  "vpc-123",
		Tags:   map[string]string{"env": "prod"},
	}
	groups := StandardGroups(inst)
	require.Contains(t, groups, "region_us_east_1")
	require.Contains(t, groups, "az_us_east_1a")
	require.Contains(t, groups, "type_t3_micro")
	require.Contains(t, groups, "status_running")
	require.Contains(t, groups, "vpc_vpc_123")
	require.Contains(t, groups, "tag_env_prod")
}

func TestKeyedGroupsFor(t *testing.T) {
	inst := Instance{Attributes: map[string]any{"owner": "platform"}}
	kgs := []KeyedGroup{
		{Key: "owner", Prefix: "team", Separator: "_"},
		{Key: "missing", Default: "fallback"},
	}
	groups := KeyedGroupsFor(kgs, inst)
	require.ElementsMatch(t, []string{"team_platform", "fallback"}, groups)
}

func TestResolveHostnamePreference(t *testing.T) {
	inst := Instance{ID: "i-123", Attributes: map[string]any{"private_ip_address": "10.0.0.5"}}
	name := ResolveHostname([]string{"public_ip_address", "private_ip_address"}, inst)
	require.Equal(t, "10.0.0.5", name)

	name = ResolveHostname([]string{"public_ip_address"}, inst)
	require.Equal(t, "i-123", name)
}

func TestMatchesFiltersAndAcrossKeysOrWithinKey(t *testing.T) {
	inst := Instance{Region: "us-east-1", Status: "running"}
	f := Filter{
		"region": {"us-east-1", "us-west-2"},
		"status": {"running"},
	}
	require.True(t, MatchesFilters(f, inst))

	f["status"] = []string{"stopped"}
	require.False(t, MatchesFilters(f, inst))
}

func TestBuildInventoryAppliesGroupsAndCompose(t *testing.T) {
	instances := []Instance{
		{
			ID:         "i-1",
			Region:     "us-east-1",
			Tags:       map[string]string{"env": "prod"},
			Attributes: map[string]any{"private_ip_address": "10.0.0.1"},
		},
		{
			ID:     "i-2",
			Region: "us-west-2",
			Tags:   map[string]string{"env": "dev"},
		},
	}
	cfg := Config{
		Filters:   Filter{"tags.env": {"prod"}},
		Hostnames: []string{"private_ip_address"},
		Compose:   map[string]string{"ansible_host": "private_ip_address"},
	}

	inv := BuildInventory("aws_ec2", instances, cfg)

	require.Contains(t, inv.Hosts, "10.0.0.1")
	require.NotContains(t, inv.Hosts, "i-2")
	require.True(t, inv.Hosts["10.0.0.1"].Groups["aws_ec2"])
	require.True(t, inv.Hosts["10.0.0.1"].Groups["region_us_east_1"])
	require.Equal(t, "10.0.0.1", inv.Hosts["10.0.0.1"].Hostname)
}
