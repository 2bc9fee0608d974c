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
	"errors"
	"fmt"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

var (
	// ErrNoAvailableWorker means the role has no healthy worker to offer.
	ErrNoAvailableWorker = datastore.ErrNoAvailableWorker
	ErrUnknownPolicy     = errors.New("unknown routing policy")
	// ErrMissingRoutingKey is returned when affinity is required but the
	// request carries neither a session id nor a user id.
	ErrMissingRoutingKey = errors.New("request has no session or user id")
)

type UnknownPolicyError struct {
	Name string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown routing policy %q", e.Name)
}

func (e *UnknownPolicyError) Is(target error) bool {
	return target == ErrUnknownPolicy
}

// RoutingError reports which role could not be routed and why.
type RoutingError struct {
	Role  datastore.Role
	Cause error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed for %s: %v", e.Role, e.Cause)
}

func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the client may retry the request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoAvailableWorker)
}
