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

package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

// SessionAssignment is the last worker pair a routing key was sent to.
type SessionAssignment struct {
	Key      string    `json:"key"`
	Prefill  string    `json:"prefill"`
	Decode   string    `json:"decode"`
	Requests uint64    `json:"requests"`
	LastSeen time.Time `json:"last_seen"`
}

// SessionTracker remembers recent assignments so that a session moving to a
// different worker (losing its cached context) is visible in logs and metrics.
// It never influences selection.
type SessionTracker struct {
	// mu serializes the read-modify-write in Observe.
	mu      sync.Mutex
	cache   *lru.Cache[string, SessionAssignment]
	metrics *metrics.Metrics
}

func NewSessionTracker(size int, m *metrics.Metrics) (*SessionTracker, error) {
	cache, err := lru.New[string, SessionAssignment](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	if m == nil {
		m = metrics.Default()
	}
	return &SessionTracker{cache: cache, metrics: m}, nil
}

// Observe records the pair chosen for key and returns the roles whose worker
// changed since the previous request.
func (t *SessionTracker) Observe(key, prefill, decode string) []datastore.Role {
	var moved []datastore.Role
	t.mu.Lock()
	next := SessionAssignment{Key: key, Prefill: prefill, Decode: decode, Requests: 1, LastSeen: time.Now()}
	if prev, ok := t.cache.Get(key); ok {
		next.Requests = prev.Requests + 1
		if prev.Prefill != prefill {
			moved = append(moved, datastore.RolePrefill)
		}
		if prev.Decode != decode {
			moved = append(moved, datastore.RoleDecode)
		}
	}
	t.cache.Add(key, next)
	t.mu.Unlock()

	for _, role := range moved {
		t.metrics.SessionReassignments.WithLabelValues(string(role)).Inc()
	}
	if len(moved) > 0 {
		log.Infof("session %q reassigned (%v): now prefill=%s decode=%s", key, moved, prefill, decode)
	}
	return moved
}

func (t *SessionTracker) Get(key string) (SessionAssignment, bool) {
	return t.cache.Peek(key)
}

func (t *SessionTracker) Len() int {
	return t.cache.Len()
}

// Recent returns up to limit assignments, most recently seen first.
func (t *SessionTracker) Recent(limit int) []SessionAssignment {
	keys := t.cache.Keys()
	out := make([]SessionAssignment, 0, len(keys))
	for _, k := range keys {
		if a, ok := t.cache.Peek(k); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
