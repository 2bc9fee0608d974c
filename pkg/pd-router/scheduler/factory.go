/*
Copyright MatrixInfer-AI Authors.

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

package scheduler

import (
	"sort"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/plugins"
)

type PolicyBuilder = func(handle framework.Handle) framework.Policy

// PolicyRegistry is the closed table of selection policies the router knows.
type PolicyRegistry struct {
	builders map[string]PolicyBuilder
}

// NewPolicyRegistry creates a registry holding the built-in policies.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{builders: make(map[string]PolicyBuilder)}
	registerDefaultPolicies(r)
	return r
}

func (r *PolicyRegistry) register(name string, builder PolicyBuilder) {
	r.builders[name] = builder
}

// Lookup resolves a policy name or alias to its builder.
func (r *PolicyRegistry) Lookup(name string) (string, PolicyBuilder, error) {
	canonical := framework.NormalizePolicyName(name)
	builder, ok := r.builders[canonical]
	if !ok {
		return "", nil, &framework.UnknownPolicyError{Name: name}
	}
	return canonical, builder, nil
}

// Names returns the registered policy names, sorted.
func (r *PolicyRegistry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registerDefaultPolicies(registry *PolicyRegistry) {
	registry.register(plugins.ConsistentHashPolicyName, func(h framework.Handle) framework.Policy {
		return plugins.NewConsistentHash(h)
	})
	registry.register(plugins.RoundRobinPolicyName, func(h framework.Handle) framework.Policy {
		return plugins.NewRoundRobin(h)
	})
	registry.register(plugins.RandomPolicyName, func(h framework.Handle) framework.Policy {
		return plugins.NewRandom(h)
	})
	registry.register(plugins.LeastLoadPolicyName, func(h framework.Handle) framework.Policy {
		return plugins.NewLeastLoad(h)
	})
}
