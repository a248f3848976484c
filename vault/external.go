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

package vault

import (
	"context"

	"github.com/gravitational/trace"
)

// ExternalSource resolves a named secret from a pluggable backend other
// than the local AES-256-GCM file vault — for example AWS Secrets
// Manager. It is additive: the core file/string vault above works
// without one configured.
type ExternalSource interface {
	// Name identifies the backend for diagnostics ("aws-secrets-manager").
	Name() string
	// GetSecret fetches the current value of a named secret.
	GetSecret(ctx context.Context, name string) ([]byte, error)
}

// Resolver looks a secret reference up across zero or more
// ExternalSources, first match wins, falling back to an error if none
// has the secret.
type Resolver struct {
	sources []ExternalSource
}

// NewResolver builds a Resolver over the given sources, consulted in
// order.
func NewResolver(sources ...ExternalSource) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve fetches name from the first source that has it.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]byte, error) {
	var lastErr error
	for _, src := range r.sources {
		val, err := src.GetSecret(ctx, name)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = trace.NotFound("no external secret source configured for %q", name)
	}
	return nil, trace.Wrap(lastErr, "resolving external secret %q", name)
}
