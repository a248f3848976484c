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

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v3"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/corectl/inventory"
)

// AzureVMClient is the subset of the Azure compute SDK this adapter
// calls, narrowed for testability.
type AzureVMClient interface {
	ListAll(ctx context.Context) ([]*armcompute.VirtualMachine, error)
}

// AzureFetcherConfig configures the "azure" dynamic inventory adapter.
type AzureFetcherConfig struct {
	Client         AzureVMClient
	ResourceGroups []string
	Config         Config
	Log            logrus.FieldLogger
}

func (c *AzureFetcherConfig) checkAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client field")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "inventory:azure")
	}
	return nil
}

type azureFetcher struct {
	AzureFetcherConfig
}

// NewAzurePlugin builds the "azure" dynamic inventory plugin.
func NewAzurePlugin(cfg AzureFetcherConfig) (Plugin, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &azureFetcher{cfg}, nil
}

func (f *azureFetcher) Name() string        { return "azure" }
func (f *azureFetcher) Version() string     { return "1.0.0" }
func (f *azureFetcher) Description() string { return "Azure VM dynamic inventory source" }

func (f *azureFetcher) Parse(ctx context.Context) (*inventory.Inventory, error) {
	vms, err := f.Client.ListAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "listing Azure virtual machines")
	}

	var instances []Instance
	for _, vm := range vms {
		inst := azureToInstance(vm)
		if len(f.ResourceGroups) > 0 && !containsFoldAzure(f.ResourceGroups, inst.ResourceGroup) {
			continue
		}
		instances = append(instances, inst)
	}
	return BuildInventory(f.Name(), instances, f.Config), nil
}

func (f *azureFetcher) Refresh(ctx context.Context) (*inventory.Inventory, error) {
	return f.Parse(ctx)
}

func azureToInstance(vm *armcompute.VirtualMachine) Instance {
	out := Instance{Tags: map[string]string{}, Attributes: map[string]any{}}
	if vm.Name != nil {
		out.ID = *vm.Name
	}
	if vm.Location != nil {
		out.Region = *vm.Location
	}
	if vm.Properties != nil && vm.Properties.HardwareProfile != nil && vm.Properties.HardwareProfile.VMSize != nil {
		out.Type = string(*vm.Properties.HardwareProfile.VMSize)
	}
	if vm.Properties != nil && vm.Properties.ProvisioningState != nil {
		out.Status = *vm.Properties.ProvisioningState
	}
	out.ResourceGroup = resourceGroupFromID(vm.ID)
	for k, v := range vm.Tags {
		if v != nil {
			out.Tags[k] = *v
		}
	}
	return out
}

// resourceGroupFromID extracts the resourceGroups segment from an Azure
// resource ID of the form
// "/subscriptions/<sub>/resourceGroups/<rg>/providers/...".
func resourceGroupFromID(id *string) string {
	if id == nil {
		return ""
	}
	parts := strings.Split(*id, "/")
	for i, p := range parts {
		if strings.EqualFold(p, "resourceGroups") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func containsFoldAzure(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
