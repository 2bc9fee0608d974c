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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

func newHandle(t *testing.T, prefill, decode []string) framework.Handle {
	t.Helper()
	store := datastore.New()
	rings, err := hashring.NewRingSet(store, 64)
	require.NoError(t, err)
	for _, addr := range prefill {
		require.NoError(t, store.Register(datastore.Worker{Address: addr, Role: datastore.RolePrefill}))
	}
	for _, addr := range decode {
		require.NoError(t, store.Register(datastore.Worker{Address: addr, Role: datastore.RoleDecode}))
	}
	return framework.Handle{Store: store, Rings: rings}
}

func TestPolicyNames(t *testing.T) {
	h := newHandle(t, nil, nil)
	policies := []framework.Policy{NewConsistentHash(h), NewRoundRobin(h), NewRandom(h), NewLeastLoad(h)}
	expected := []string{ConsistentHashPolicyName, RoundRobinPolicyName, RandomPolicyName, LeastLoadPolicyName}
	for i, p := range policies {
		if p.Name() != expected[i] {
			t.Errorf("Expected policy name %s, got %s", expected[i], p.Name())
		}
	}
	assert.True(t, framework.RequiresRoutingKey(NewConsistentHash(h)))
	assert.False(t, framework.RequiresRoutingKey(NewRandom(h)))
}

func TestPoliciesWithoutWorkers(t *testing.T) {
	h := newHandle(t, nil, nil)
	policies := []framework.Policy{NewConsistentHash(h), NewRoundRobin(h), NewRandom(h), NewLeastLoad(h)}
	for _, p := range policies {
		t.Run(p.Name(), func(t *testing.T) {
			_, err := p.Select(&framework.Context{Role: datastore.RoleDecode, RoutingKey: "s1"})
			assert.True(t, errors.Is(err, framework.ErrNoAvailableWorker), "got %v", err)
		})
	}
}

func TestConsistentHashIsSticky(t *testing.T) {
	h := newHandle(t, []string{"p1:8000", "p2:8000", "p3:8000"}, []string{"d1:8000"})
	policy := NewConsistentHash(h)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("session-%d", i)
		ctx := &framework.Context{Role: datastore.RolePrefill, RoutingKey: key}
		first, err := policy.Select(ctx)
		require.NoError(t, err)
		assert.NotZero(t, ctx.RingVersion)
		for j := 0; j < 5; j++ {
			again, err := policy.Select(&framework.Context{Role: datastore.RolePrefill, RoutingKey: key})
			require.NoError(t, err)
			assert.Equal(t, first.Address, again.Address)
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	h := newHandle(t, []string{"p2:8000", "p1:8000", "p3:8000"}, []string{"d1:8000"})
	policy := NewRoundRobin(h)

	var got []string
	for i := 0; i < 6; i++ {
		w, err := policy.Select(&framework.Context{Role: datastore.RolePrefill})
		require.NoError(t, err)
		got = append(got, w.Address)
	}
	assert.Equal(t, []string{"p1:8000", "p2:8000", "p3:8000", "p1:8000", "p2:8000", "p3:8000"}, got)

	// decode keeps its own counter
	w, err := policy.Select(&framework.Context{Role: datastore.RoleDecode})
	require.NoError(t, err)
	assert.Equal(t, "d1:8000", w.Address)
}

func TestRandomOnlyPicksHealthy(t *testing.T) {
	h := newHandle(t, []string{"p1:8000", "p2:8000", "p3:8000"}, nil)
	h.Store.UpdateHealth("p2:8000", datastore.Unhealthy)
	policy := NewRandom(h)

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		w, err := policy.Select(&framework.Context{Role: datastore.RolePrefill})
		require.NoError(t, err)
		seen[w.Address]++
	}
	assert.Zero(t, seen["p2:8000"])
	assert.Greater(t, seen["p1:8000"], 0)
	assert.Greater(t, seen["p3:8000"], 0)
}

func TestLeastLoad(t *testing.T) {
	h := newHandle(t, nil, []string{"d1:8000", "d2:8000", "d3:8000"})
	policy := NewLeastLoad(h)

	// all idle, lowest address wins
	w, err := policy.Select(&framework.Context{Role: datastore.RoleDecode})
	require.NoError(t, err)
	assert.Equal(t, "d1:8000", w.Address)

	h.Store.UpdateLoad("d1:8000", 5)
	h.Store.UpdateLoad("d2:8000", 2)
	h.Store.UpdateLoad("d3:8000", 2)
	w, err = policy.Select(&framework.Context{Role: datastore.RoleDecode})
	require.NoError(t, err)
	assert.Equal(t, "d2:8000", w.Address)

	release := h.Store.Acquire(datastore.RoleDecode, "d2:8000")
	defer release()
	w, err = policy.Select(&framework.Context{Role: datastore.RoleDecode})
	require.NoError(t, err)
	assert.Equal(t, "d3:8000", w.Address, "in-flight requests count towards load")
}
