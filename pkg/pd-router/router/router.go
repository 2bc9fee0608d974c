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
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/accesslog"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/connectors"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/filters/ratelimit"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler/framework"
)

const (
	errorTypeBadRequest    = "invalid_request"
	errorTypeRateLimited   = "rate_limited"
	errorTypeUnavailable   = "no_available_worker"
	errorTypeUnknownPolicy = "unknown_policy"
	errorTypeMissingKey    = "missing_routing_key"
	errorTypeUpstream      = "upstream_error"
)

// Router serves the OpenAI-compatible inference endpoints.
type Router struct {
	sessions   *SessionRouter
	store      datastore.Store
	connector  *connectors.HTTPConnector
	limiter    *ratelimit.RequestRateLimiter
	metrics    *metrics.Metrics
	retryAfter time.Duration
}

type Options struct {
	Limiter    *ratelimit.RequestRateLimiter
	Metrics    *metrics.Metrics
	RetryAfter time.Duration
}

func NewRouter(sessions *SessionRouter, store datastore.Store, connector *connectors.HTTPConnector, opts Options) *Router {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	return &Router{
		sessions:   sessions,
		store:      store,
		connector:  connector,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		retryAfter: opts.RetryAfter,
	}
}

type ModelRequest map[string]interface{}

func (r *Router) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		errorType := ""
		defer func() {
			r.metrics.RecordRequest(path, c.Writer.Status(), errorType, time.Since(start))
		}()

		// Step 1: parse request
		modelRequest, err := parseModelRequest(c)
		if err != nil {
			errorType = errorTypeBadRequest
			r.abort(c, http.StatusBadRequest, errorType, err)
			return
		}

		// Step 2: admission
		if r.limiter != nil {
			if err := r.limiter.RateLimit(); err != nil {
				errorType = errorTypeRateLimited
				r.metrics.RateLimitExceeded.Inc()
				r.abort(c, http.StatusTooManyRequests, errorType, err)
				return
			}
		}

		// Step 3: pick the prefill and decode workers
		routingRequest := ExtractRoutingRequest(modelRequest, c.Request.Header)
		delete(modelRequest, routingPolicyField)
		decision, err := r.sessions.Route(routingRequest)
		if err != nil {
			var status int
			status, errorType = ClassifyRoutingError(err)
			if framework.Retryable(err) {
				r.setRetryAfter(c)
			}
			klog.V(2).Infof("routing failed: %v", err)
			r.abort(c, status, errorType, err)
			return
		}
		accesslog.SetRouting(c, decision.Token, string(decision.Key.Source),
			decision.Prefill.Address, decision.Decode.Address, decision.PrefillPolicy+"/"+decision.DecodePolicy)

		// Step 4: proxy
		releasePrefill := r.store.Acquire(datastore.RolePrefill, decision.Prefill.Address)
		releaseDecode := r.store.Acquire(datastore.RoleDecode, decision.Decode.Address)
		r.metrics.ActiveRequests.Inc()
		defer func() {
			releasePrefill()
			releaseDecode()
			r.metrics.ActiveRequests.Dec()
		}()

		timings, err := r.connector.Proxy(c, modelRequest, connectors.Target{
			Prefill: decision.Prefill,
			Decode:  decision.Decode,
			Token:   decision.Token,
		})
		accesslog.SetPhaseDurations(c, timings.Prefill, timings.Decode)
		r.recordPhases(err, timings)
		if err != nil {
			klog.Errorf("request %s failed: %v", decision.Token, err)
			errorType = errorTypeUpstream
			if !c.Writer.Written() {
				r.abort(c, http.StatusBadGateway, errorType, err)
			} else {
				accesslog.SetError(c, err.Error())
			}
		}
	}
}

func (r *Router) recordPhases(err error, timings connectors.Timings) {
	var upstream *connectors.UpstreamError
	failed := errors.As(err, &upstream)
	prefillCode, decodeCode := http.StatusOK, http.StatusOK
	if failed {
		code := upstream.StatusCode
		if code == 0 {
			code = http.StatusBadGateway
		}
		if upstream.Role == datastore.RolePrefill {
			prefillCode = code
		} else {
			decodeCode = code
		}
	}
	r.metrics.RecordPhase(string(datastore.RolePrefill), prefillCode, timings.Prefill)
	if !failed || upstream.Role == datastore.RoleDecode {
		r.metrics.RecordPhase(string(datastore.RoleDecode), decodeCode, timings.Decode)
	}
}

// ClassifyRoutingError maps a routing failure to an HTTP status and error type.
func ClassifyRoutingError(err error) (int, string) {
	switch {
	case errors.Is(err, framework.ErrUnknownPolicy):
		return http.StatusBadRequest, errorTypeUnknownPolicy
	case errors.Is(err, framework.ErrMissingRoutingKey):
		return http.StatusBadRequest, errorTypeMissingKey
	case errors.Is(err, framework.ErrNoAvailableWorker):
		return http.StatusServiceUnavailable, errorTypeUnavailable
	}
	return http.StatusInternalServerError, "routing_error"
}

// setRetryAfter advertises the retry delay in whole seconds, never below one.
func (r *Router) setRetryAfter(c *gin.Context) {
	secs := int(math.Ceil(r.retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}

func (r *Router) abort(c *gin.Context, status int, errorType string, err error) {
	accesslog.SetError(c, err.Error())
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": err.Error(),
			"type":    errorType,
		},
	})
}

func parseModelRequest(c *gin.Context) (ModelRequest, error) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	var modelRequest ModelRequest
	if err := json.Unmarshal(bodyBytes, &modelRequest); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if modelRequest == nil {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	return modelRequest, nil
}
