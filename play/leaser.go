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

package play

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/fleetforge/corectl/inventory"
	"github.com/fleetforge/corectl/pool"
)

// PoolLeaser adapts a *pool.Pool into a SessionLeaser, resolving each
// host's connection parameters (user, hostname, port) from the
// inventory host record before leasing.
type PoolLeaser struct {
	Pool *pool.Pool

	// DefaultUser/DefaultPort are used when a host declares neither.
	DefaultUser string
	DefaultPort int
}

// Lease resolves host's connection parameters and leases a pooled
// connection for them.
func (pl *PoolLeaser) Lease(ctx context.Context, host *inventory.Host) (*pool.Lease, error) {
	if host == nil {
		return nil, trace.BadParameter("nil host")
	}

	user := host.User
	if user == "" {
		user = pl.DefaultUser
	}
	port := host.Port
	if port == 0 {
		port = pl.DefaultPort
	}
	if port == 0 {
		port = 22
	}

	lease, err := pl.Pool.Get(ctx, user, host.ResolvedHostname(), port)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return lease, nil
}
