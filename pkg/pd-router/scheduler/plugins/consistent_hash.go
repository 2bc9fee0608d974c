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
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

const ConsistentHashPolicyName = framework.ConsistentHashPolicy

var _ framework.KeyedPolicy = &ConsistentHash{}

// ConsistentHash maps the routing key onto the role's hash ring so a session
// keeps landing on the same worker while membership is stable.
type ConsistentHash struct {
	name  string
	rings *hashring.RingSet
}

func NewConsistentHash(handle framework.Handle) *ConsistentHash {
	return &ConsistentHash{
		name:  ConsistentHashPolicyName,
		rings: handle.Rings,
	}
}

func (c *ConsistentHash) Name() string {
	return c.name
}

func (c *ConsistentHash) RequiresRoutingKey() bool {
	return true
}

func (c *ConsistentHash) Select(ctx *framework.Context) (datastore.Worker, error) {
	ring, err := c.rings.Ring(ctx.Role)
	if err != nil {
		return datastore.Worker{}, err
	}
	w, version, err := ring.LookupWithVersion(ctx.RoutingKey)
	ctx.RingVersion = version
	return w, err
}
