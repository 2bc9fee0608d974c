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
	"math/rand/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

const RandomPolicyName = framework.RandomPolicy

var _ framework.Policy = &Random{}

// Random picks a healthy worker uniformly. It is the default fallback for
// requests that carry no routing key.
type Random struct {
	name  string
	store datastore.Store
}

func NewRandom(handle framework.Handle) *Random {
	return &Random{
		name:  RandomPolicyName,
		store: handle.Store,
	}
}

func (r *Random) Name() string {
	return r.name
}

func (r *Random) Select(ctx *framework.Context) (datastore.Worker, error) {
	workers := r.store.List(ctx.Role, true)
	if len(workers) == 0 {
		return datastore.Worker{}, fmt.Errorf("no healthy %s worker: %w", ctx.Role, framework.ErrNoAvailableWorker)
	}
	return workers[rand.IntN(len(workers))], nil
}
