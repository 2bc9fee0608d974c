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

package framework

import (
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
)

// Context carries the per-selection inputs and outputs shared with policies.
type Context struct {
	Role datastore.Role
	// RoutingKey is empty when the request carried no session or user id.
	RoutingKey string

	// RingVersion is set by policies that consult the hash ring.
	RingVersion uint64
}

// Policy picks one worker of ctx.Role.
type Policy interface {
	Name() string
	Select(ctx *Context) (datastore.Worker, error)
}

// KeyedPolicy is implemented by policies that cannot work without a routing key.
type KeyedPolicy interface {
	Policy
	RequiresRoutingKey() bool
}

// RequiresRoutingKey reports whether p needs a non-empty routing key.
func RequiresRoutingKey(p Policy) bool {
	kp, ok := p.(KeyedPolicy)
	return ok && kp.RequiresRoutingKey()
}

// Handle exposes the shared state policies are built on.
type Handle struct {
	Store datastore.Store
	Rings *hashring.RingSet
}
