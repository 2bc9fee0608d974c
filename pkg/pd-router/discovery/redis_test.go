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

package discovery

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

func setupRedisDiscovery(t *testing.T) (*miniredis.Miniredis, datastore.Store, *RedisDiscovery, *metrics.Metrics) {
	mr := miniredis.RunT(t)
	store := datastore.New()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := NewRedisDiscovery(conf.RedisDiscovery{Address: mr.Addr(), KeyPrefix: "pd"}, store, m)
	t.Cleanup(func() { _ = d.client.Close() })
	return mr, store, d, m
}

func addresses(workers []datastore.Worker) []string {
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Address)
	}
	return out
}

func TestRedisDiscoverySync(t *testing.T) {
	mr, store, d, m := setupRedisDiscovery(t)
	ctx := context.Background()

	mr.HSet("pd:prefill", "p1:8000", "p1:9000", "p2:8000", "")
	mr.HSet("pd:decode", "d1:8000", "d1:9000")
	assert.False(t, d.HasSynced())
	require.NoError(t, d.Sync(ctx))
	assert.True(t, d.HasSynced())

	assert.Equal(t, []string{"p1:8000", "p2:8000"}, addresses(store.List(datastore.RolePrefill, false)))
	assert.Equal(t, []string{"d1:8000"}, addresses(store.List(datastore.RoleDecode, false)))
	p1, ok := store.Get(datastore.RolePrefill, "p1:8000")
	require.True(t, ok)
	assert.Equal(t, "p1:9000", p1.KVAddress)
	assert.Equal(t, datastore.SourceRedis, p1.Source)

	mr.HDel("pd:prefill", "p2:8000")
	mr.HSet("pd:decode", "d1:8000", "d1:9100")
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, []string{"p1:8000"}, addresses(store.List(datastore.RolePrefill, false)))
	d1, _ := store.Get(datastore.RoleDecode, "d1:8000")
	assert.Equal(t, "d1:9100", d1.KVAddress)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DiscoverySyncs.WithLabelValues("redis", metrics.ResultSuccess)))
}

func TestRedisDiscoveryKeepsForeignWorkers(t *testing.T) {
	mr, store, d, _ := setupRedisDiscovery(t)
	require.NoError(t, store.Register(datastore.Worker{Address: "static:8000", Role: datastore.RolePrefill, Source: datastore.SourceStatic}))

	mr.HSet("pd:prefill", "p1:8000", "")
	require.NoError(t, d.Sync(context.Background()))
	mr.Del("pd:prefill")
	require.NoError(t, d.Sync(context.Background()))

	assert.Equal(t, []string{"static:8000"}, addresses(store.List(datastore.RolePrefill, false)))
}

func TestRedisDiscoveryRoleRemovalKeepsOtherRole(t *testing.T) {
	mr, store, d, _ := setupRedisDiscovery(t)

	mr.HSet("pd:prefill", "w1:8000", "")
	mr.HSet("pd:decode", "w1:8000", "")
	require.NoError(t, d.Sync(context.Background()))

	mr.HDel("pd:prefill", "w1:8000")
	require.NoError(t, d.Sync(context.Background()))

	assert.Empty(t, store.List(datastore.RolePrefill, false))
	assert.Equal(t, []string{"w1:8000"}, addresses(store.List(datastore.RoleDecode, false)))
}

func TestRedisDiscoveryRoleRemovalKeepsStaticWorkerOfOtherRole(t *testing.T) {
	mr, store, d, _ := setupRedisDiscovery(t)
	require.NoError(t, store.Register(datastore.Worker{Address: "w1:8000", Role: datastore.RoleDecode, Source: datastore.SourceStatic}))

	mr.HSet("pd:prefill", "w1:8000", "")
	require.NoError(t, d.Sync(context.Background()))
	mr.HDel("pd:prefill", "w1:8000")
	require.NoError(t, d.Sync(context.Background()))

	assert.Empty(t, store.List(datastore.RolePrefill, false))
	w, ok := store.Get(datastore.RoleDecode, "w1:8000")
	require.True(t, ok)
	assert.Equal(t, datastore.SourceStatic, w.Source)
}

func TestRedisDiscoveryRoleRemovalKeepsHealth(t *testing.T) {
	mr, store, d, _ := setupRedisDiscovery(t)

	mr.HSet("pd:prefill", "w1:8000", "")
	mr.HSet("pd:decode", "w1:8000", "")
	require.NoError(t, d.Sync(context.Background()))
	require.True(t, store.UpdateHealth("w1:8000", datastore.Unhealthy))

	mr.HDel("pd:prefill", "w1:8000")
	require.NoError(t, d.Sync(context.Background()))

	w, ok := store.Get(datastore.RoleDecode, "w1:8000")
	require.True(t, ok)
	assert.Equal(t, datastore.Unhealthy, w.Status)
	assert.Empty(t, store.List(datastore.RoleDecode, true))
}

func TestRedisDiscoveryFailureLeavesStore(t *testing.T) {
	mr, store, d, m := setupRedisDiscovery(t)

	mr.HSet("pd:prefill", "p1:8000", "")
	require.NoError(t, d.Sync(context.Background()))

	mr.SetError("LOADING")
	assert.Error(t, d.Sync(context.Background()))
	mr.SetError("")

	assert.Len(t, store.List(datastore.RolePrefill, false), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscoverySyncs.WithLabelValues("redis", metrics.ResultFailure)))
}
