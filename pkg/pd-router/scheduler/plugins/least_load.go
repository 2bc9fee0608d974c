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

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

const LeastLoadPolicyName = framework.LeastLoadPolicy

var _ framework.Policy = &LeastLoad{}

// LeastLoad picks the healthy worker with the lowest reported load plus
// router-side in-flight requests. Ties go to the lowest address.
type LeastLoad struct {
	name  string
	store datastore.Store
}

func NewLeastLoad(handle framework.Handle) *LeastLoad {
	return &LeastLoad{
		name:  LeastLoadPolicyName,
		store: handle.Store,
	}
}

func (l *LeastLoad) Name() string {
	return l.name
}

func load(w datastore.Worker) float64 {
	return w.Load + float64(w.InFlight)
}

func (l *LeastLoad) Select(ctx *framework.Context) (datastore.Worker, error) {
	workers := l.store.List(ctx.Role, true)
	if len(workers) == 0 {
		return datastore.Worker{}, fmt.Errorf("no healthy %s worker: %w", ctx.Role, framework.ErrNoAvailableWorker)
	}
	// workers are ordered by address, so strict less keeps the lowest address on ties
	best := workers[0]
	for _, w := range workers[1:] {
		if load(w) < load(best) {
			best = w
		}
	}
	return best, nil
}
