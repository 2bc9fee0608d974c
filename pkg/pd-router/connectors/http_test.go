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

package connectors

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

type capturedRequest struct {
	requestID string
	body      map[string]interface{}
}

type fakeWorker struct {
	mu       sync.Mutex
	requests []capturedRequest
	server   *httptest.Server
}

func newFakeWorker(t *testing.T, handler func(w http.ResponseWriter, body map[string]interface{}, requestID string)) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{}
	fw.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := r.Header.Get(RequestIDHeader)
		fw.mu.Lock()
		fw.requests = append(fw.requests, capturedRequest{requestID: id, body: body})
		fw.mu.Unlock()
		handler(w, body, id)
	}))
	t.Cleanup(fw.server.Close)
	return fw
}

func (f *fakeWorker) address() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func okJSON(w http.ResponseWriter, _ map[string]interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":"cmpl-`+requestID+`","choices":[{"text":"hi"}]}`)
}

// closeNotifyingRecorder lets gin's Context.Stream run against a recorder.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func newTestContext(body string) (*gin.Context, *closeNotifyingRecorder) {
	gin.SetMode(gin.TestMode)
	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

func TestProxyOrdersPrefillBeforeDecode(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(role string) {
		mu.Lock()
		order = append(order, role)
		mu.Unlock()
	}
	prefill := newFakeWorker(t, func(w http.ResponseWriter, body map[string]interface{}, id string) {
		record("prefill")
		okJSON(w, body, id)
	})
	decode := newFakeWorker(t, func(w http.ResponseWriter, body map[string]interface{}, id string) {
		record("decode")
		okJSON(w, body, id)
	})

	reqBody := map[string]interface{}{"model": "m", "prompt": "hello", "max_tokens": float64(64), "stream": false}
	c, w := newTestContext(`{}`)
	conn := NewHTTPConnector(5 * time.Second)
	target := Target{
		Prefill: datastore.Worker{Address: prefill.address(), Role: datastore.RolePrefill},
		Decode:  datastore.Worker{Address: decode.address(), Role: datastore.RoleDecode},
		Token:   "tok123",
	}
	_, err := conn.Proxy(c, reqBody, target)
	require.NoError(t, err)

	assert.Equal(t, []string{"prefill", "decode"}, order)
	require.Len(t, prefill.requests, 1)
	require.Len(t, decode.requests, 1)
	assert.Equal(t, "tok123", prefill.requests[0].requestID)
	assert.Equal(t, "tok123", decode.requests[0].requestID)
	assert.Equal(t, float64(1), prefill.requests[0].body["max_tokens"])
	assert.NotContains(t, prefill.requests[0].body, "stream")
	assert.Equal(t, float64(64), decode.requests[0].body["max_tokens"])
	assert.Equal(t, float64(64), reqBody["max_tokens"], "caller body is not mutated")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok123", w.Header().Get(RequestIDHeader))
	assert.Contains(t, w.Body.String(), "cmpl-tok123")
}

func TestProxyStopsOnPrefillFailure(t *testing.T) {
	prefill := newFakeWorker(t, func(w http.ResponseWriter, _ map[string]interface{}, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	decode := newFakeWorker(t, okJSON)

	c, _ := newTestContext(`{}`)
	_, err := NewHTTPConnector(5*time.Second).Proxy(c, map[string]interface{}{"prompt": "x"}, Target{
		Prefill: datastore.Worker{Address: prefill.address(), Role: datastore.RolePrefill},
		Decode:  datastore.Worker{Address: decode.address(), Role: datastore.RoleDecode},
		Token:   "t",
	})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, datastore.RolePrefill, upstream.Role)
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
	assert.Empty(t, decode.requests)
}

func TestProxyStreamsDecode(t *testing.T) {
	prefill := newFakeWorker(t, okJSON)
	decode := newFakeWorker(t, func(w http.ResponseWriter, _ map[string]interface{}, id string) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\""+id+"\"}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	c, w := newTestContext(`{}`)
	_, err := NewHTTPConnector(5*time.Second).Proxy(c, map[string]interface{}{"prompt": "x", "stream": true}, Target{
		Prefill: datastore.Worker{Address: prefill.address(), Role: datastore.RolePrefill},
		Decode:  datastore.Worker{Address: decode.address(), Role: datastore.RoleDecode},
		Token:   "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, true, decode.requests[0].body["stream"])
	assert.Contains(t, w.Body.String(), "data: [DONE]")
	assert.Contains(t, w.Body.String(), `"id":"tok"`)
}

func TestEnsureResponseID(t *testing.T) {
	assert.JSONEq(t, `{"id":"tok","object":"x"}`, string(ensureResponseID([]byte(`{"id":"cmpl-1","object":"x"}`), "tok")))
	assert.Equal(t, `{"id":"cmpl-tok"}`, string(ensureResponseID([]byte(`{"id":"cmpl-tok"}`), "tok")))
	assert.Equal(t, "not json", string(ensureResponseID([]byte("not json"), "tok")))
}

func TestUnreachableDecode(t *testing.T) {
	prefill := newFakeWorker(t, okJSON)
	c, _ := newTestContext(`{}`)
	_, err := NewHTTPConnector(time.Second).Proxy(c, map[string]interface{}{"prompt": "x"}, Target{
		Prefill: datastore.Worker{Address: prefill.address(), Role: datastore.RolePrefill},
		Decode:  datastore.Worker{Address: "127.0.0.1:1", Role: datastore.RoleDecode},
		Token:   "t",
	})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, datastore.RoleDecode, upstream.Role)
}

func TestPrefillOfGenerateRequestLimitsSamplingParams(t *testing.T) {
	prefill := newFakeWorker(t, okJSON)
	decode := newFakeWorker(t, okJSON)
	c, _ := newTestContext(`{}`)
	c.Request.URL.Path = "/generate"
	reqBody := map[string]interface{}{
		"text":            "hello",
		"sampling_params": map[string]interface{}{"max_new_tokens": float64(64), "temperature": 0.5},
	}
	_, err := NewHTTPConnector(5*time.Second).Proxy(c, reqBody, Target{
		Prefill: datastore.Worker{Address: prefill.address(), Role: datastore.RolePrefill},
		Decode:  datastore.Worker{Address: decode.address(), Role: datastore.RoleDecode},
		Token:   "tok",
	})
	require.NoError(t, err)

	prefillBody := prefill.requests[0].body
	assert.NotContains(t, prefillBody, "max_tokens")
	assert.Equal(t, map[string]interface{}{"max_new_tokens": float64(1), "temperature": 0.5}, prefillBody["sampling_params"])
	assert.Equal(t, map[string]interface{}{"max_new_tokens": float64(64), "temperature": 0.5}, decode.requests[0].body["sampling_params"])
	assert.Equal(t, float64(64), reqBody["sampling_params"].(map[string]interface{})["max_new_tokens"])
}

func TestForwardCopiesWorkerResponse(t *testing.T) {
	var gotPath, gotQuery string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Worker", "decode-0")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"m"}]}`)
	}))
	t.Cleanup(worker.Close)

	c, w := newTestContext("")
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/models?limit=1", nil)
	err := NewHTTPConnector(time.Second).Forward(c, datastore.Worker{
		Address: strings.TrimPrefix(worker.URL, "http://"),
		Role:    datastore.RoleDecode,
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/models", gotPath)
	assert.Equal(t, "limit=1", gotQuery)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "decode-0", w.Header().Get("X-Worker"))
	assert.JSONEq(t, `{"object":"list","data":[{"id":"m"}]}`, w.Body.String())
}

func TestForwardUnreachableWorker(t *testing.T) {
	c, _ := newTestContext("")
	c.Request = httptest.NewRequest(http.MethodGet, "/get_server_info", nil)
	err := NewHTTPConnector(time.Second).Forward(c, datastore.Worker{Address: "127.0.0.1:1", Role: datastore.RoleDecode})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "127.0.0.1:1", upstream.Address)
}
