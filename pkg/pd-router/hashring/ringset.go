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

package hashring

import (
	"fmt"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

// RingSet keeps one ring per role in step with the worker registry.
type RingSet struct {
	rings map[datastore.Role]*Ring
}

// NewRingSet builds a ring per role from the workers already in the store and
// subscribes to subsequent registry events. Create it before discovery starts
// feeding the store.
func NewRingSet(store datastore.Store, virtualNodes int) (*RingSet, error) {
	rs := &RingSet{rings: make(map[datastore.Role]*Ring, len(datastore.Roles))}
	for _, role := range datastore.Roles {
		ring, err := New(role, virtualNodes)
		if err != nil {
			return nil, err
		}
		rs.rings[role] = ring
	}

	store.RegisterCallback(rs.onEvent)
	for _, role := range datastore.Roles {
		rs.rings[role].Build(store.List(role, false))
	}
	return rs, nil
}

func (rs *RingSet) Ring(role datastore.Role) (*Ring, error) {
	ring, ok := rs.rings[role]
	if !ok {
		return nil, fmt.Errorf("no ring for role %q", role)
	}
	return ring, nil
}

func (rs *RingSet) onEvent(data datastore.EventData) {
	ring, ok := rs.rings[data.Worker.Role]
	if !ok {
		return
	}
	switch data.EventType {
	case datastore.EventAdd, datastore.EventUpdate:
		ring.Add(data.Worker)
	case datastore.EventHealth:
		ring.SetStatus(data.Worker.Address, data.Worker.Status)
	case datastore.EventDelete:
		ring.Remove(data.Worker.Address)
	}
}

// ExportMetrics keeps the per-role worker and ring version gauges current.
func (rs *RingSet) ExportMetrics(store datastore.Store, m *metrics.Metrics) {
	update := func(role datastore.Role) {
		counts := map[datastore.HealthStatus]int{datastore.Healthy: 0, datastore.Unhealthy: 0, datastore.Draining: 0}
		for _, w := range store.List(role, false) {
			counts[w.Status]++
		}
		for status, n := range counts {
			m.Workers.WithLabelValues(string(role), string(status)).Set(float64(n))
		}
		m.RingVersion.WithLabelValues(string(role)).Set(float64(rs.rings[role].Version()))
	}
	for _, role := range datastore.Roles {
		update(role)
	}
	store.RegisterCallback(func(data datastore.EventData) {
		if _, ok := rs.rings[data.Worker.Role]; ok {
			update(data.Worker.Role)
		}
	})
}
