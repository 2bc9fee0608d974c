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

package accesslog

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

const (
	// ContextKey is the key used to store the record under construction in gin.Context
	ContextKey = "access_log_entry"
)

var skipPaths = sets.New("/healthz", "/readyz", "/metrics")

// Middleware returns a Gin middleware that records one entry per request.
func Middleware(logger Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if skipPaths.Has(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		entry := &Entry{
			Timestamp: start,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Protocol:  c.Request.Proto,
		}
		c.Set(ContextKey, entry)

		c.Next()

		entry.StatusCode = c.Writer.Status()
		entry.DurationMs = time.Since(start).Milliseconds()
		if err := logger.Log(entry); err != nil {
			klog.Errorf("Failed to write access log: %v", err)
		}
	}
}

func get(c *gin.Context) *Entry {
	if v, ok := c.Get(ContextKey); ok {
		if entry, ok := v.(*Entry); ok {
			return entry
		}
	}
	return nil
}

// SetRouting records the routing outcome of the request.
func SetRouting(c *gin.Context, requestID, keySource, prefill, decode, policy string) {
	if entry := get(c); entry != nil {
		entry.RequestID = requestID
		entry.KeySource = keySource
		entry.Prefill = prefill
		entry.Decode = decode
		entry.Policy = policy
	}
}

func SetPhaseDurations(c *gin.Context, prefill, decode time.Duration) {
	if entry := get(c); entry != nil {
		entry.PrefillDurationMs = prefill.Milliseconds()
		entry.DecodeDurationMs = decode.Milliseconds()
	}
}

func SetError(c *gin.Context, message string) {
	if entry := get(c); entry != nil {
		entry.Error = message
	}
}
