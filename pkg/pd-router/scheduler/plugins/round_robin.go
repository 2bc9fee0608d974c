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

package plugins

import (
	"fmt"
	"sync/atomic"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

const RoundRobinPolicyName = framework.RoundRobinPolicy

var _ framework.Policy = &RoundRobin{}

// RoundRobin cycles through the healthy workers of a role in address order.
type RoundRobin struct {
	name     string
	store    datastore.Store
	counters map[datastore.Role]*atomic.Uint64
}

func NewRoundRobin(handle framework.Handle) *RoundRobin {
	counters := make(map[datastore.Role]*atomic.Uint64, len(datastore.Roles))
	for _, role := range datastore.Roles {
		counters[role] = &atomic.Uint64{}
	}
	return &RoundRobin{
		name:     RoundRobinPolicyName,
		store:    handle.Store,
		counters: counters,
	}
}

func (r *RoundRobin) Name() string {
	return r.name
}

func (r *RoundRobin) Select(ctx *framework.Context) (datastore.Worker, error) {
	workers := r.store.List(ctx.Role, true)
	if len(workers) == 0 {
		return datastore.Worker{}, fmt.Errorf("no healthy %s worker: %w", ctx.Role, framework.ErrNoAvailableWorker)
	}
	counter, ok := r.counters[ctx.Role]
	if !ok {
		return datastore.Worker{}, fmt.Errorf("unknown role %q", ctx.Role)
	}
	next := counter.Add(1) - 1
	return workers[next%uint64(len(workers))], nil
}
