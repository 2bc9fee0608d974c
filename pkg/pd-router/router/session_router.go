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

package router

import (
	"time"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

var log = logger.NewLogger("router")

// RoutingDecision is the immutable result of routing one request.
type RoutingDecision struct {
	Prefill            datastore.Worker `json:"prefill"`
	Decode             datastore.Worker `json:"decode"`
	Key                RoutingKey       `json:"routing_key"`
	PrefillPolicy      string           `json:"prefill_policy"`
	DecodePolicy       string           `json:"decode_policy"`
	PrefillRingVersion uint64           `json:"prefill_ring_version"`
	DecodeRingVersion  uint64           `json:"decode_ring_version"`
	Token              string           `json:"token"`
}

// SessionRouter turns a request's routing fields into a prefill and decode
// worker pair. The two roles are resolved independently from the same key.
type SessionRouter struct {
	scheduler scheduler.Scheduler
	sessions  *SessionTracker
	metrics   *metrics.Metrics
}

func NewSessionRouter(s scheduler.Scheduler, sessions *SessionTracker, m *metrics.Metrics) *SessionRouter {
	if m == nil {
		m = metrics.Default()
	}
	return &SessionRouter{scheduler: s, sessions: sessions, metrics: m}
}

func (r *SessionRouter) Sessions() *SessionTracker {
	return r.sessions
}

// Route selects both workers. Either role failing fails the whole request
// with a *framework.RoutingError; there is no partial decision.
func (r *SessionRouter) Route(req RoutingRequest) (*RoutingDecision, error) {
	decision, err := r.route(req)
	if err != nil {
		return nil, err
	}
	if r.sessions != nil && decision.Key.Source != KeySourceNone {
		r.sessions.Observe(decision.Key.Value, decision.Prefill.Address, decision.Decode.Address)
	}
	return decision, nil
}

// DryRun resolves the pair like Route but records nothing.
func (r *SessionRouter) DryRun(req RoutingRequest) (*RoutingDecision, error) {
	return r.route(req)
}

func (r *SessionRouter) route(req RoutingRequest) (*RoutingDecision, error) {
	start := time.Now()
	key := req.Key()
	r.metrics.RoutingKeySource.WithLabelValues(string(key.Source)).Inc()

	prefill, err := r.scheduler.Select(datastore.RolePrefill, key.Value, req.PolicyHint)
	if err != nil {
		return nil, &framework.RoutingError{Role: datastore.RolePrefill, Cause: err}
	}
	decode, err := r.scheduler.Select(datastore.RoleDecode, key.Value, req.PolicyHint)
	if err != nil {
		return nil, &framework.RoutingError{Role: datastore.RoleDecode, Cause: err}
	}

	decision := &RoutingDecision{
		Prefill:            prefill.Worker,
		Decode:             decode.Worker,
		Key:                key,
		PrefillPolicy:      prefill.Policy,
		DecodePolicy:       decode.Policy,
		PrefillRingVersion: prefill.RingVersion,
		DecodeRingVersion:  decode.RingVersion,
		Token:              NewRoutingToken(prefill.Worker.TransferAddress(), decode.Worker.TransferAddress()),
	}
	r.metrics.RoutingDuration.Observe(time.Since(start).Seconds())
	log.Debugf("routed key=%q (%s) to prefill=%s decode=%s", key.Value, key.Source, decision.Prefill.Address, decision.Decode.Address)
	return decision, nil
}
