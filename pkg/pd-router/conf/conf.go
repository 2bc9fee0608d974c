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

package conf

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	DefaultPort             = 8080
	DefaultPolicy           = "consistent_hash"
	DefaultFallbackPolicy   = "random"
	DefaultVirtualNodes     = 160
	DefaultHealthEndpoint   = "/health"
	DefaultMetricsEndpoint  = "/metrics"
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
	DefaultHistorySize      = 16
	DefaultRedisKeyPrefix   = "pd-router:workers"
	DefaultSessionCacheSize = 10000
	DefaultWorkerPort       = 8000

	maxVirtualNodes = 4096
)

var (
	DefaultProbeInterval  = 10 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultRedisInterval  = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Minute
	DefaultRetryAfter     = 1 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *RouterConfiguration {
	c := &RouterConfiguration{}
	c.SetDefaults()
	return c
}

// Load reads a YAML configuration file and applies defaults.
func Load(path string) (*RouterConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*RouterConfiguration, error) {
	c := &RouterConfiguration{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal router configuration: %w", err)
	}
	c.SetDefaults()
	return c, nil
}

func setDuration(d *metav1.Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func (c *RouterConfiguration) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Scheduler
	if s.Policy == "" {
		s.Policy = DefaultPolicy
	}
	if s.FallbackPolicy == "" {
		s.FallbackPolicy = DefaultFallbackPolicy
	}
	if s.VirtualNodes == 0 {
		s.VirtualNodes = DefaultVirtualNodes
	}

	h := &c.Health
	if h.Endpoint == "" {
		h.Endpoint = DefaultHealthEndpoint
	}
	if h.MetricsEndpoint == "" {
		h.MetricsEndpoint = DefaultMetricsEndpoint
	}
	setDuration(&h.Interval, DefaultProbeInterval)
	setDuration(&h.Timeout, DefaultProbeTimeout)
	setDuration(&h.MaxBackoff, DefaultMaxBackoff)
	if h.FailureThreshold == 0 {
		h.FailureThreshold = DefaultFailureThreshold
	}
	if h.SuccessThreshold == 0 {
		h.SuccessThreshold = DefaultSuccessThreshold
	}
	if h.HistorySize == 0 {
		h.HistorySize = DefaultHistorySize
	}

	if r := c.Discovery.Redis; r != nil {
		if r.KeyPrefix == "" {
			r.KeyPrefix = DefaultRedisKeyPrefix
		}
		setDuration(&r.Interval, DefaultRedisInterval)
	}
	if k := c.Discovery.Kubernetes; k != nil {
		if k.Namespace == "" {
			k.Namespace = "default"
		}
		if k.Port == 0 {
			k.Port = DefaultWorkerPort
		}
	}

	setDuration(&c.Proxy.RequestTimeout, DefaultRequestTimeout)
	setDuration(&c.Proxy.RetryAfter, DefaultRetryAfter)

	if c.Session.CacheSize == 0 {
		c.Session.CacheSize = DefaultSessionCacheSize
	}
	if c.AccessLog.Format == "" {
		c.AccessLog.Format = "json"
	}
}

// Validate checks structural constraints. Policy names are checked when the
// scheduler is built.
func (c *RouterConfiguration) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Scheduler.VirtualNodes < 1 || c.Scheduler.VirtualNodes > maxVirtualNodes {
		errs = append(errs, fmt.Errorf("virtualNodes must be in [1, %d], got %d", maxVirtualNodes, c.Scheduler.VirtualNodes))
	}
	if c.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failureThreshold must be positive"))
	}
	if c.Health.SuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.successThreshold must be positive"))
	}
	if c.Health.Timeout.Duration > c.Health.Interval.Duration {
		errs = append(errs, fmt.Errorf("health.timeout %s exceeds health.interval %s", c.Health.Timeout.Duration, c.Health.Interval.Duration))
	}
	if !strings.HasPrefix(c.Health.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("health.endpoint must start with '/'"))
	}
	for _, w := range append(append([]WorkerEndpoint{}, c.Workers.Prefill...), c.Workers.Decode...) {
		if _, _, err := net.SplitHostPort(w.Address); err != nil {
			errs = append(errs, fmt.Errorf("invalid worker address %q: %v", w.Address, err))
		}
	}
	if r := c.Discovery.Redis; r != nil && r.Address == "" {
		errs = append(errs, fmt.Errorf("discovery.redis.address is required"))
	}
	if k := c.Discovery.Kubernetes; k != nil && (k.PrefillSelector == "" || k.DecodeSelector == "") {
		errs = append(errs, fmt.Errorf("discovery.kubernetes needs both prefillSelector and decodeSelector"))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rateLimit values must not be negative"))
	}
	if f := c.AccessLog.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("accessLog.format must be json or text, got %q", f))
	}
	return errors.Join(errs...)
}

// ParseWorkerEndpoint parses "address[@kv_address]". A leading http:// or
// https:// scheme is stripped.
func ParseWorkerEndpoint(s string) (WorkerEndpoint, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
	s = strings.TrimSuffix(s, "/")
	addr, kv, _ := strings.Cut(s, "@")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return WorkerEndpoint{}, fmt.Errorf("invalid worker address %q: %w", addr, err)
	}
	if kv != "" {
		if _, _, err := net.SplitHostPort(kv); err != nil {
			return WorkerEndpoint{}, fmt.Errorf("invalid kv address %q: %w", kv, err)
		}
	}
	return WorkerEndpoint{Address: addr, KVAddress: kv}, nil
}
