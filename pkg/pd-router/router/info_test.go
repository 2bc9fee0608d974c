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
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/connectors"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

func TestGenerateRoutesThroughBothPhases(t *testing.T) {
	prefill := newStubWorker(t, http.StatusOK)
	decode := newStubWorker(t, http.StatusOK)
	env := newTestEnv(t, conf.SchedulerConfiguration{}, []string{prefill.address()}, []string{decode.address()})
	engine := newTestEngine(t, env, nil)

	w := doRequest(engine, http.MethodPost, "/generate",
		`{"text":"hi","sampling_params":{"max_new_tokens":16},"session_params":{"session_id":"s1"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(connectors.RequestIDHeader))

	prefillBody := prefill.lastBody.Load().(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"max_new_tokens": float64(1)}, prefillBody["sampling_params"])
	decodeBody := decode.lastBody.Load().(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"max_new_tokens": float64(16)}, decodeBody["sampling_params"])
}

func TestPassthroughUsesHealthyDecodeWorker(t *testing.T) {
	prefill := newStubWorker(t, http.StatusOK)
	decode := newStubWorker(t, http.StatusOK)
	env := newTestEnv(t, conf.SchedulerConfiguration{}, []string{prefill.address()}, []string{decode.address()})
	engine := newTestEngine(t, env, nil)

	for _, path := range []string{"/v1/models", "/get_model_info", "/get_server_info"} {
		w := doRequest(engine, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), "cmpl-upstream", path)
	}
	assert.Equal(t, int32(3), decode.calls.Load())
	assert.Equal(t, int32(0), prefill.calls.Load())

	env.store.UpdateHealth(decode.address(), datastore.Unhealthy)
	assert.Equal(t, http.StatusOK, doRequest(engine, http.MethodGet, "/v1/models", "", nil).Code)
	assert.Equal(t, int32(1), prefill.calls.Load())

	env.store.UpdateHealth(prefill.address(), datastore.Unhealthy)
	w := doRequest(engine, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), errorTypeUnavailable)
}

func TestPassthroughUnreachableWorker(t *testing.T) {
	env := newTestEnv(t, conf.SchedulerConfiguration{}, nil, []string{"127.0.0.1:1"})
	w := doRequest(newTestEngine(t, env, nil), http.MethodGet, "/get_server_info", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), errorTypeUpstream)
}

func TestWorkerLoads(t *testing.T) {
	env := newTestEnv(t, conf.SchedulerConfiguration{}, []string{"p1:8000"}, []string{"d1:8000", "d2:8000"})
	env.store.UpdateHealth("d2:8000", datastore.Unhealthy)

	w := doRequest(newTestEngine(t, env, nil), http.MethodGet, "/get_worker_loads", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var loads map[string][]workerLoad
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loads))
	require.Len(t, loads["prefill"], 1)
	assert.Equal(t, "p1:8000", loads["prefill"][0].Worker)
	require.Len(t, loads["decode"], 2)
	statuses := map[string]datastore.HealthStatus{}
	for _, l := range loads["decode"] {
		statuses[l.Worker] = l.Status
	}
	assert.Equal(t, datastore.Unhealthy, statuses["d2:8000"])
}

func TestHealthGenerate(t *testing.T) {
	env := newTestEnv(t, conf.SchedulerConfiguration{}, []string{"p1:8000"}, []string{"d1:8000"})
	engine := newTestEngine(t, env, nil)
	assert.Equal(t, http.StatusOK, doRequest(engine, http.MethodGet, "/health_generate", "", nil).Code)

	env.store.UpdateHealth("d1:8000", datastore.Unhealthy)
	w := doRequest(engine, http.MethodGet, "/health_generate", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"healthy":{"prefill":1,"decode":0},"message":"no healthy prefill/decode pair"}`, w.Body.String())
}
