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

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/corectl/inventory"
)

// EC2Client is the subset of the AWS SDK v2 EC2 client this adapter
// calls, narrowed to keep the adapter testable with a fake.
type EC2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2FetcherConfig configures the aws_ec2 dynamic inventory adapter.
type EC2FetcherConfig struct {
	Client  EC2Client
	Regions []string
	Config  Config
	Log     logrus.FieldLogger
}

func (c *EC2FetcherConfig) checkAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client field")
	}
	if len(c.Regions) == 0 {
		return trace.BadParameter("missing Regions field")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "inventory:aws_ec2")
	}
	return nil
}

type ec2Fetcher struct {
	EC2FetcherConfig
}

// NewEC2Plugin builds the aws_ec2 dynamic inventory plugin.
func NewEC2Plugin(cfg EC2FetcherConfig) (Plugin, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ec2Fetcher{cfg}, nil
}

func (f *ec2Fetcher) Name() string        { return "aws_ec2" }
func (f *ec2Fetcher) Version() string     { return "1.0.0" }
func (f *ec2Fetcher) Description() string { return "EC2 dynamic inventory source" }

func (f *ec2Fetcher) Parse(ctx context.Context) (*inventory.Inventory, error) {
	var instances []Instance
	for _, region := range f.Regions {
		out, err := f.Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{})
		if err != nil {
			return nil, trace.Wrap(err, "describing EC2 instances in %s", region)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				instances = append(instances, ec2ToInstance(region, inst))
			}
		}
	}
	return BuildInventory(f.Name(), instances, f.Config), nil
}

func (f *ec2Fetcher) Refresh(ctx context.Context) (*inventory.Inventory, error) {
	return f.Parse(ctx)
}

func ec2ToInstance(region string, inst types.Instance) Instance {
	out := Instance{
		Region:     region,
		Tags:       map[string]string{},
		Attributes: map[string]any{},
	}
	if inst.InstanceId != nil {
		out.ID = *inst.InstanceId
	}
	if inst.InstanceType != "" {
		out.Type = string(inst.InstanceType)
	}
	if inst.State != nil {
		out.Status = string(inst.State.Name)
	}
	if inst.VpcId != nil {
		out.VPCID = *inst.VpcId
	}
	if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
		out.Zone = *inst.Placement.AvailabilityZone
	}
	if inst.PrivateIpAddress != nil {
		out.Attributes["private_ip_address"] = *inst.PrivateIpAddress
	}
	if inst.PublicIpAddress != nil {
		out.Attributes["public_ip_address"] = *inst.PublicIpAddress
	}
	for _, tag := range inst.Tags {
		if tag.Key != nil && tag.Value != nil {
			out.Tags[*tag.Key] = *tag.Value
		}
	}
	return out
}
