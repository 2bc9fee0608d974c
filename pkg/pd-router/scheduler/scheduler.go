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
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

// Selection is the outcome of choosing one worker for one role.
type Selection struct {
	Worker datastore.Worker
	// Policy is the name of the policy that actually chose the worker, which
	// differs from the configured one when the fallback served a keyless request.
	Policy      string
	RingVersion uint64
}

type Scheduler interface {
	// Select picks a worker of the role. policyHint, when non-empty, overrides
	// the configured policy for this call and must name a known policy.
	Select(role datastore.Role, routingKey string, policyHint string) (Selection, error)
	// PolicyFor returns the configured policy name of the role.
	PolicyFor(role datastore.Role) string
	RequireAffinity() bool
}
