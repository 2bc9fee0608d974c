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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

const (
	// RequestIDHeader carries the routing token to both workers.
	RequestIDHeader = "X-Request-Id"
)

// UpstreamError reports a failed call to a worker.
type UpstreamError struct {
	Role       datastore.Role
	Address    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request to %s failed: %v", e.Role, e.Address, e.Err)
	}
	return fmt.Sprintf("%s request to %s failed with status %d", e.Role, e.Address, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Target is the pair of workers chosen for one request.
type Target struct {
	Prefill datastore.Worker
	Decode  datastore.Worker
	Token   string
}

// Timings reports how long each phase took.
type Timings struct {
	Prefill time.Duration
	Decode  time.Duration
}

// HTTPConnector runs the two-stage prefill then decode flow over plain HTTP.
// The prefill worker pushes its KV cache to the decode worker named in the
// request id, so the router only has to order the calls.
type HTTPConnector struct {
	client *http.Client
}

func NewHTTPConnector(requestTimeout time.Duration) *HTTPConnector {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        1024,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPConnector{
		client: &http.Client{Transport: transport, Timeout: requestTimeout},
	}
}

func (h *HTTPConnector) Name() string {
	return "http"
}

// Proxy sends the prefill request, waits for it, then streams the decode
// response to the client.
func (h *HTTPConnector) Proxy(c *gin.Context, reqBody map[string]interface{}, target Target) (Timings, error) {
	var timings Timings

	prefillReq, err := buildPrefillRequest(c.Request.Context(), c.Request, reqBody, target.Prefill.Address, target.Token)
	if err != nil {
		return timings, err
	}
	decodeReq, err := buildDecodeRequest(c.Request.Context(), c.Request, reqBody, target.Decode.Address, target.Token)
	if err != nil {
		return timings, err
	}

	start := time.Now()
	klog.V(4).Infof("Sending prefill request %s to %s", target.Token, target.Prefill.Address)
	err = h.prefill(prefillReq, target.Prefill)
	timings.Prefill = time.Since(start)
	if err != nil {
		return timings, err
	}

	start = time.Now()
	klog.V(4).Infof("Sending decode request %s to %s", target.Token, target.Decode.Address)
	err = h.decode(c, decodeReq, target.Decode, target.Token)
	timings.Decode = time.Since(start)
	return timings, err
}

func (h *HTTPConnector) prefill(req *http.Request, worker datastore.Worker) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return &UpstreamError{Role: worker.Role, Address: worker.Address, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Role: worker.Role, Address: worker.Address, StatusCode: resp.StatusCode}
	}
	return nil
}

func (h *HTTPConnector) decode(c *gin.Context, req *http.Request, worker datastore.Worker, token string) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return &UpstreamError{Role: worker.Role, Address: worker.Address, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &UpstreamError{Role: worker.Role, Address: worker.Address, StatusCode: resp.StatusCode}
	}

	for k, vv := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			c.Header(k, v)
		}
	}
	c.Header(RequestIDHeader, token)
	c.Status(resp.StatusCode)

	if isStreamingResponse(resp) {
		return handleStreamingResponse(c, resp)
	}
	return handleNonStreamingResponse(c, resp, token)
}

// Forward relays a bodyless request, such as GET /v1/models, to one worker
// and copies its response back unchanged.
func (h *HTTPConnector) Forward(c *gin.Context, worker datastore.Worker) error {
	url := "http://" + worker.Address + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, nil)
	if err != nil {
		return err
	}
	if accept := c.Request.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return &UpstreamError{Role: worker.Role, Address: worker.Address, Err: err}
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			c.Header(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		return fmt.Errorf("copy response of %s failed: %w", worker.Address, err)
	}
	return nil
}

func cloneBody(reqBody map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(reqBody))
	for k, v := range reqBody {
		out[k] = v
	}
	return out
}

func newUpstreamRequest(ctx context.Context, src *http.Request, body map[string]interface{}, address, token string) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	url := "http://" + address + src.URL.Path
	if src.URL.RawQuery != "" {
		url += "?" + src.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for k, vv := range src.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Accept-Encoding") {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, token)
	return req, nil
}

// buildPrefillRequest asks the prefill worker for a single token, without
// streaming, so it only fills the KV cache.
func buildPrefillRequest(ctx context.Context, src *http.Request, reqBody map[string]interface{}, address, token string) (*http.Request, error) {
	body := cloneBody(reqBody)
	delete(body, "stream")
	delete(body, "stream_options")
	// native /generate requests carry their limit in sampling_params
	if params, ok := body["sampling_params"].(map[string]interface{}); ok {
		params = cloneBody(params)
		params["max_new_tokens"] = 1
		body["sampling_params"] = params
		return newUpstreamRequest(ctx, src, body, address, token)
	}
	body["max_tokens"] = 1
	if _, ok := body["max_completion_tokens"]; ok {
		body["max_completion_tokens"] = 1
	}
	return newUpstreamRequest(ctx, src, body, address, token)
}

func buildDecodeRequest(ctx context.Context, src *http.Request, reqBody map[string]interface{}, address, token string) (*http.Request, error) {
	return newUpstreamRequest(ctx, src, cloneBody(reqBody), address, token)
}

// isStreamingResponse checks if the response is a streaming response
func isStreamingResponse(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "text/event-stream") || strings.HasPrefix(contentType, "application/x-ndjson")
}

func handleStreamingResponse(c *gin.Context, resp *http.Response) error {
	reader := bufio.NewReader(resp.Body)
	var streamErr error
	c.Stream(func(w io.Writer) bool {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				streamErr = werr
				return false
			}
		}
		if err != nil {
			if err != io.EOF {
				klog.Errorf("error reading stream body: %v", err)
				streamErr = err
			}
			return false
		}
		return true
	})
	return streamErr
}

// handleNonStreamingResponse forwards the body, making sure the completion id
// carries the routing token.
func handleNonStreamingResponse(c *gin.Context, resp *http.Response, token string) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read decode response: %w", err)
	}
	data = ensureResponseID(data, token)
	if _, err := c.Writer.Write(data); err != nil {
		klog.Errorf("copy response to downstream failed: %v", err)
		return err
	}
	return nil
}

func ensureResponseID(data []byte, token string) []byte {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return data
	}
	if id, _ := body["id"].(string); strings.Contains(id, token) {
		return data
	}
	body["id"] = token
	out, err := json.Marshal(body)
	if err != nil {
		return data
	}
	return out
}
