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

package datastore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the inference phase a worker serves.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

// Roles lists every role in routing order.
var Roles = []Role{RolePrefill, RoleDecode}

// ParseRole accepts the role names used on the command line and in config.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prefill", "p":
		return RolePrefill, nil
	case "decode", "d":
		return RoleDecode, nil
	}
	return "", fmt.Errorf("unknown worker role %q", s)
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	// Draining workers finish in-flight work but receive no new selections.
	Draining HealthStatus = "draining"
)

// Source records how a worker entered the registry.
type Source string

const (
	SourceStatic     Source = "static"
	SourceAPI        Source = "api"
	SourceRedis      Source = "redis"
	SourceKubernetes Source = "kubernetes"
)

// Worker is a point-in-time copy of a registered worker.
type Worker struct {
	Address string `json:"address"`
	// KVAddress is the endpoint peers use for KV cache transfer. Empty means Address.
	KVAddress      string       `json:"kv_address,omitempty"`
	Role           Role         `json:"role"`
	Status         HealthStatus `json:"status"`
	Load           float64      `json:"load"`
	InFlight       int64        `json:"in_flight"`
	Source         Source       `json:"source,omitempty"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastTransition time.Time    `json:"last_transition"`
}

// TransferAddress is the address announced in routing tokens.
func (w Worker) TransferAddress() string {
	if w.KVAddress != "" {
		return w.KVAddress
	}
	return w.Address
}

// Available reports whether the worker may receive new requests.
func (w Worker) Available() bool {
	return w.Status == Healthy
}

func (w Worker) String() string {
	return fmt.Sprintf("%s/%s(%s)", w.Role, w.Address, w.Status)
}

// ErrNoAvailableWorker is returned when no healthy worker of a role can be selected.
var ErrNoAvailableWorker = errors.New("no available worker")
