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
	"fmt"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

var (
	log = logger.NewLogger("scheduler")
)

type scheduler struct {
	rings *hashring.RingSet

	// policies holds one instance of every registered policy so per-request
	// hints reuse the same counters as configured selection.
	policies        map[string]framework.Policy
	rolePolicies    map[datastore.Role]framework.Policy
	fallback        framework.Policy
	requireAffinity bool

	metrics *metrics.Metrics
}

// NewScheduler builds the policy engine. Every configured policy name must be
// registered, otherwise an UnknownPolicyError is returned.
func NewScheduler(store datastore.Store, rings *hashring.RingSet, cfg conf.SchedulerConfiguration, m *metrics.Metrics) (Scheduler, error) {
	if m == nil {
		m = metrics.Default()
	}
	registry := NewPolicyRegistry()
	handle := framework.Handle{Store: store, Rings: rings}

	s := &scheduler{
		rings:           rings,
		policies:        make(map[string]framework.Policy),
		rolePolicies:    make(map[datastore.Role]framework.Policy),
		requireAffinity: cfg.RequireAffinity,
		metrics:         m,
	}
	for _, name := range registry.Names() {
		_, builder, _ := registry.Lookup(name)
		s.policies[name] = builder(handle)
	}

	resolve := func(field, name string) (framework.Policy, error) {
		canonical, _, err := registry.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return s.policies[canonical], nil
	}

	def, err := resolve("policy", cfg.Policy)
	if err != nil {
		return nil, err
	}
	overrides := map[datastore.Role]string{
		datastore.RolePrefill: cfg.PrefillPolicy,
		datastore.RoleDecode:  cfg.DecodePolicy,
	}
	for _, role := range datastore.Roles {
		s.rolePolicies[role] = def
		if overrides[role] == "" {
			continue
		}
		p, err := resolve(string(role)+"Policy", overrides[role])
		if err != nil {
			return nil, err
		}
		s.rolePolicies[role] = p
	}

	fallbackName := cfg.FallbackPolicy
	if fallbackName == "" {
		fallbackName = conf.DefaultFallbackPolicy
	}
	if s.fallback, err = resolve("fallbackPolicy", fallbackName); err != nil {
		return nil, err
	}
	if framework.RequiresRoutingKey(s.fallback) {
		return nil, fmt.Errorf("fallbackPolicy %q needs a routing key and cannot serve keyless requests", fallbackName)
	}

	log.Infof("scheduler ready: prefill=%s decode=%s fallback=%s requireAffinity=%v",
		s.rolePolicies[datastore.RolePrefill].Name(), s.rolePolicies[datastore.RoleDecode].Name(), s.fallback.Name(), s.requireAffinity)
	return s, nil
}

func (s *scheduler) PolicyFor(role datastore.Role) string {
	if p, ok := s.rolePolicies[role]; ok {
		return p.Name()
	}
	return ""
}

func (s *scheduler) RequireAffinity() bool {
	return s.requireAffinity
}

func (s *scheduler) Select(role datastore.Role, routingKey string, policyHint string) (Selection, error) {
	policy, ok := s.rolePolicies[role]
	if !ok {
		return Selection{}, fmt.Errorf("unknown role %q", role)
	}
	if policyHint != "" {
		hinted, ok := s.policies[framework.NormalizePolicyName(policyHint)]
		if !ok {
			s.metrics.RoutingFailures.WithLabelValues(string(role), "unknown_policy").Inc()
			return Selection{}, &framework.UnknownPolicyError{Name: policyHint}
		}
		policy = hinted
	}

	if routingKey == "" && framework.RequiresRoutingKey(policy) {
		if s.requireAffinity {
			s.metrics.RoutingFailures.WithLabelValues(string(role), "missing_routing_key").Inc()
			return Selection{}, framework.ErrMissingRoutingKey
		}
		log.Debugf("no routing key, %s falls back to %s for %s", policy.Name(), s.fallback.Name(), role)
		policy = s.fallback
	}

	ctx := &framework.Context{Role: role, RoutingKey: routingKey}
	worker, err := policy.Select(ctx)
	if err != nil {
		s.metrics.RoutingFailures.WithLabelValues(string(role), "no_available_worker").Inc()
		return Selection{}, err
	}
	if ctx.RingVersion == 0 {
		if ring, err := s.rings.Ring(role); err == nil {
			ctx.RingVersion = ring.Version()
		}
	}
	s.metrics.RoutingDecisions.WithLabelValues(string(role), policy.Name()).Inc()
	return Selection{Worker: worker, Policy: policy.Name(), RingVersion: ctx.RingVersion}, nil
}
