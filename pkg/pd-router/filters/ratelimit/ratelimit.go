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

package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

type RateLimitExceededError struct{}

func (e RateLimitExceededError) Error() string {
	return "rate limit exceeded"
}

// RequestRateLimiter bounds the rate of requests admitted by the router.
// A zero requests-per-second value disables limiting.
type RequestRateLimiter struct {
	mutex   sync.RWMutex
	limiter *rate.Limiter
}

func NewRequestRateLimiter(requestsPerSecond float64, burst int) *RequestRateLimiter {
	r := &RequestRateLimiter{}
	r.Update(requestsPerSecond, burst)
	return r
}

// Update replaces the limits, keeping the limiter state when one exists.
func (r *RequestRateLimiter) Update(requestsPerSecond float64, burst int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if requestsPerSecond <= 0 {
		r.limiter = nil
		return
	}
	if burst <= 0 {
		burst = int(math.Ceil(requestsPerSecond))
	}
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	} else {
		r.limiter.SetLimit(rate.Limit(requestsPerSecond))
		r.limiter.SetBurst(burst)
	}
	klog.Infof("request rate limit set to %.2f/s with burst %d", requestsPerSecond, burst)
}

func (r *RequestRateLimiter) RateLimit() error {
	r.mutex.RLock()
	limiter := r.limiter
	r.mutex.RUnlock()

	if limiter == nil {
		return nil
	}
	if !limiter.AllowN(time.Now(), 1) {
		return &RateLimitExceededError{}
	}
	return nil
}

func (r *RequestRateLimiter) Enabled() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.limiter != nil
}
