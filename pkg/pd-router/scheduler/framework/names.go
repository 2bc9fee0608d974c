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
	"strings"
)

// Canonical policy names.
const (
	ConsistentHashPolicy = "consistent_hash"
	RoundRobinPolicy     = "round_robin"
	RandomPolicy         = "random"
	LeastLoadPolicy      = "least_load"
)

// NormalizePolicyName maps the accepted spellings ("ConsistentHash",
// "consistent-hash", "least_load", ...) onto the canonical name. Unrecognized
// names are returned lower-cased for error reporting.
func NormalizePolicyName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "", " ", "").Replace(n)
	switch n {
	case "consistenthash":
		return ConsistentHashPolicy
	case "roundrobin", "rr":
		return RoundRobinPolicy
	case "random":
		return RandomPolicy
	case "leastload", "leastrequest":
		return LeastLoadPolicy
	}
	return strings.ToLower(strings.TrimSpace(name))
}
