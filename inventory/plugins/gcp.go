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
	"context"
	"strings"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/corectl/inventory"
)

// GCPInstanceClient is the subset of the GCP compute client this
// adapter calls, narrowed for testability.
type GCPInstanceClient interface {
	ListInstances(ctx context.Context, project, zone string) ([]*computepb.Instance, error)
}

// GCPFetcherConfig configures the "gcp_compute" dynamic inventory
// adapter.
type GCPFetcherConfig struct {
	Client  GCPInstanceClient
	Project string
	Zones   []string
	Config  Config
	Log     logrus.FieldLogger
}

func (c *GCPFetcherConfig) checkAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client field")
	}
	if c.Project == "" {
		return trace.BadParameter("missing Project field")
	}
	if len(c.Zones) == 0 {
		return trace.BadParameter("missing Zones field")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "inventory:gcp_compute")
	}
	return nil
}

type gcpFetcher struct {
	GCPFetcherConfig
}

// NewGCPPlugin builds the "gcp_compute" dynamic inventory plugin.
func NewGCPPlugin(cfg GCPFetcherConfig) (Plugin, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &gcpFetcher{cfg}, nil
}

func (f *gcpFetcher) Name() string        { return "gcp_compute" }
func (f *gcpFetcher) Version() string     { return "1.0.0" }
func (f *gcpFetcher) Description() string { return "GCP Compute Engine dynamic inventory source" }

func (f *gcpFetcher) Parse(ctx context.Context) (*inventory.Inventory, error) {
	var instances []Instance
	for _, zone := range f.Zones {
		vms, err := f.Client.ListInstances(ctx, f.Project, zone)
		if err != nil {
			return nil, trace.Wrap(err, "listing GCP instances in zone %s", zone)
		}
		for _, vm := range vms {
			instances = append(instances, gcpToInstance(zone, vm))
		}
	}
	return BuildInventory(f.Name(), instances, f.Config), nil
}

func (f *gcpFetcher) Refresh(ctx context.Context) (*inventory.Inventory, error) {
	return f.Parse(ctx)
}

func gcpToInstance(zone string, vm *computepb.Instance) Instance {
	out := Instance{
		Zone:       zone,
		Tags:       map[string]string{},
		Attributes: map[string]any{},
	}
	if vm.Name != nil {
		out.ID = *vm.Name
	}
	if vm.MachineType != nil {
		out.Type = lastPathSegment(*vm.MachineType)
	}
	if vm.Status != nil {
		out.Status = *vm.Status
	}
	out.Region = regionFromZone(zone)

	if vm.Labels != nil {
		for k, v := range vm.Labels {
			out.Tags[k] = v
		}
	}
	if iface := firstNetworkInterface(vm); iface != nil {
		if iface.NetworkIP != nil {
			out.Attributes["private_ip_address"] = *iface.NetworkIP
		}
	}
	return out
}

func firstNetworkInterface(vm *computepb.Instance) *computepb.NetworkInterface {
	if len(vm.NetworkInterfaces) == 0 {
		return nil
	}
	return vm.NetworkInterfaces[0]
}

// regionFromZone strips the trailing "-<letter>" off a zone name, e.g.
// "us-central1-a" -> "us-central1".
func regionFromZone(zone string) string {
	idx := strings.LastIndex(zone, "-")
	if idx < 0 {
		return zone
	}
	return zone[:idx]
}

func lastPathSegment(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}
