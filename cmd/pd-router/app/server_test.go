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

package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/connectors"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/router"
)

func newWorker(t *testing.T, healthy bool) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"upstream","choices":[]}`)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestServer(t *testing.T, cfg *conf.RouterConfiguration) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	server, err := NewServer(cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.Engine())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func TestServerRoutesChatCompletion(t *testing.T) {
	prefill, decode := newWorker(t, true), newWorker(t, true)
	cfg := &conf.RouterConfiguration{
		Health: conf.HealthConfiguration{Disabled: true},
		Workers: conf.StaticWorkers{
			Prefill: []conf.WorkerEndpoint{{Address: prefill, KVAddress: "10.1.0.1:21001"}},
			Decode:  []conf.WorkerEndpoint{{Address: decode}},
		},
	}
	_, srv := newTestServer(t, cfg)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"user":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := resp.Header.Get(connectors.RequestIDHeader)
	p, d, err := router.ParseRoutingToken(token)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1:21001", p)
	assert.Equal(t, decode, d)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/debug/rings/decode", "/workers"} {
		r, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode, path)
	}

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(metricsResp.Body)
	_ = metricsResp.Body.Close()
	assert.Contains(t, string(body), "pd_router_routing_decisions_total")
	assert.Contains(t, string(body), `pd_router_workers{role="prefill",status="healthy"} 1`)
}

func TestServerNoWorkers(t *testing.T) {
	_, srv := newTestServer(t, &conf.RouterConfiguration{Health: conf.HealthConfiguration{Disabled: true}})

	resp, err := http.Post(srv.URL+"/v1/completions", "application/json", strings.NewReader(`{"prompt":"x","user":"u"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServerHealthMonitorRemovesFailingWorker(t *testing.T) {
	good, bad := newWorker(t, true), newWorker(t, false)
	cfg := &conf.RouterConfiguration{
		Health: conf.HealthConfiguration{
			Interval:         metav1.Duration{Duration: 50 * time.Millisecond},
			Timeout:          metav1.Duration{Duration: 40 * time.Millisecond},
			FailureThreshold: 2,
		},
		Workers: conf.StaticWorkers{
			Prefill: []conf.WorkerEndpoint{{Address: good}, {Address: bad}},
			Decode:  []conf.WorkerEndpoint{{Address: good}},
		},
	}
	server, srv := newTestServer(t, cfg)
	require.NotNil(t, server.monitor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.monitor.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	assert.Eventually(t, func() bool {
		w, _ := server.store.Get(datastore.RolePrefill, bad)
		return w.Status == datastore.Unhealthy
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/debug/rings/prefill")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ring struct {
		Members []datastore.Worker `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ring))
	assert.Len(t, ring.Members, 2)

	for i := 0; i < 20; i++ {
		decision, err := server.sessions.DryRun(router.RoutingRequest{SessionID: string(rune('a' + i))})
		require.NoError(t, err)
		assert.Equal(t, good, decision.Prefill.Address)
	}
}
