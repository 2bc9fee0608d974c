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

package cmd

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/connectors"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/debug"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/router"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler"
)

func startRouter(t *testing.T) (string, datastore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := datastore.New()
	rings, err := hashring.NewRingSet(store, 16)
	require.NoError(t, err)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sched, err := scheduler.NewScheduler(store, rings, conf.SchedulerConfiguration{Policy: "consistent_hash"}, m)
	require.NoError(t, err)
	tracker, err := router.NewSessionTracker(16, m)
	require.NoError(t, err)
	sessions := router.NewSessionRouter(sched, tracker, m)
	r := router.NewRouter(sessions, store, connectors.NewHTTPConnector(time.Second), router.Options{Metrics: m})

	engine := gin.New()
	engine.GET("/workers", r.ListWorkers)
	engine.POST("/workers", r.AddWorker)
	engine.DELETE("/workers", r.RemoveWorker)
	engine.POST("/workers/drain", r.DrainWorker)
	debug.NewDebugHandler(store, rings, sessions, nil).Register(engine.Group("/debug"))

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv.URL, store
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestWorkersCommands(t *testing.T) {
	url, store := startRouter(t)

	out, err := run(t, "-s", url, "-o", "table", "workers", "list", "--role", "")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers registered.")

	out, err = run(t, "-s", url, "workers", "add", "10.0.0.1:8000@10.0.0.1:21001", "--role", "prefill")
	require.NoError(t, err)
	assert.Contains(t, out, "prefill worker 10.0.0.1:8000 registered (kv 10.0.0.1:21001, healthy)")

	_, err = run(t, "-s", url, "workers", "add", "10.0.0.2:8000", "--role", "decode", "--kv-address", "")
	require.NoError(t, err)

	out, err = run(t, "-s", url, "-o", "table", "workers", "list", "--role", "")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.1:21001")
	assert.Contains(t, out, "10.0.0.2:8000")

	_, err = run(t, "-s", url, "workers", "drain", "10.0.0.2:8000")
	require.NoError(t, err)
	w, _ := store.Get(datastore.RoleDecode, "10.0.0.2:8000")
	assert.Equal(t, datastore.Draining, w.Status)

	_, err = run(t, "-s", url, "workers", "remove", "10.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2:8000"}, store.Addresses())

	_, err = run(t, "-s", url, "workers", "remove", "10.0.0.1:8000")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "-s", url, "workers", "add", "10.0.0.3:8000", "--role", "encoder", "--kv-address", "")
	assert.Error(t, err)
}

func TestInspectCommands(t *testing.T) {
	url, store := startRouter(t)
	require.NoError(t, store.Register(datastore.Worker{Address: "p1:8000", Role: datastore.RolePrefill}))
	require.NoError(t, store.Register(datastore.Worker{Address: "d1:8000", Role: datastore.RoleDecode}))

	out, err := run(t, "-s", url, "-o", "table", "ring", "prefill")
	require.NoError(t, err)
	assert.Contains(t, out, "p1:8000")
	assert.Contains(t, out, "100.0%")

	out, err = run(t, "-s", url, "-o", "yaml", "ring", "decode")
	require.NoError(t, err)
	assert.Contains(t, out, "role: decode")

	out, err = run(t, "-s", url, "-o", "table", "route", "--session", "chat-42", "--user", "", "--policy", "")
	require.NoError(t, err)
	assert.Contains(t, out, "chat-42 (session_id)")
	assert.Contains(t, out, "p1:8000")
	assert.Contains(t, out, "d1:8000")

	_, err = run(t, "-s", url, "route", "--session", "chat-42", "--user", "", "--policy", "bogus")
	assert.ErrorContains(t, err, "bogus")

	out, err = run(t, "-s", url, "-o", "json", "sessions", "--limit", "5")
	require.NoError(t, err)
	assert.NotContains(t, out, "chat-42", "dry runs record no sessions")

	_, err = run(t, "-s", url, "sessions", "chat-42")
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", errorMessage([]byte(`{"error":"boom"}`)))
	assert.Equal(t, "no worker", errorMessage([]byte(`{"error":{"message":"no worker","type":"x"}}`)))
	assert.Equal(t, "plain", errorMessage([]byte("plain\n")))
}
