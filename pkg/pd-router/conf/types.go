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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RouterConfiguration is the on-disk configuration of the router. Fields are
// read with sigs.k8s.io/yaml, so the json tags name the YAML keys.
type RouterConfiguration struct {
	Port      int                    `json:"port,omitempty"`
	LogLevel  string                 `json:"logLevel,omitempty"`
	Scheduler SchedulerConfiguration `json:"scheduler"`
	Health    HealthConfiguration    `json:"health"`
	Workers   StaticWorkers          `json:"workers"`
	Discovery DiscoveryConfiguration `json:"discovery"`
	Proxy     ProxyConfiguration     `json:"proxy"`
	RateLimit RateLimitConfiguration `json:"rateLimit"`
	Session   SessionConfiguration   `json:"session"`
	AccessLog AccessLogConfiguration `json:"accessLog"`
}

type SchedulerConfiguration struct {
	// Policy applies to both roles unless overridden below.
	Policy        string `json:"policy,omitempty"`
	PrefillPolicy string `json:"prefillPolicy,omitempty"`
	DecodePolicy  string `json:"decodePolicy,omitempty"`
	// FallbackPolicy serves keyless requests when the role policy needs a key.
	FallbackPolicy  string `json:"fallbackPolicy,omitempty"`
	RequireAffinity bool   `json:"requireAffinity,omitempty"`
	VirtualNodes    int    `json:"virtualNodes,omitempty"`
}

type HealthConfiguration struct {
	Disabled         bool            `json:"disabled,omitempty"`
	Endpoint         string          `json:"endpoint,omitempty"`
	Interval         metav1.Duration `json:"interval,omitempty"`
	Timeout          metav1.Duration `json:"timeout,omitempty"`
	MaxBackoff       metav1.Duration `json:"maxBackoff,omitempty"`
	FailureThreshold int             `json:"failureThreshold,omitempty"`
	SuccessThreshold int             `json:"successThreshold,omitempty"`
	HistorySize      int             `json:"historySize,omitempty"`
	// ScrapeLoad reads queue depth from the worker's prometheus endpoint.
	ScrapeLoad      bool   `json:"scrapeLoad,omitempty"`
	MetricsEndpoint string `json:"metricsEndpoint,omitempty"`
}

type WorkerEndpoint struct {
	Address   string `json:"address"`
	KVAddress string `json:"kvAddress,omitempty"`
}

type StaticWorkers struct {
	Prefill []WorkerEndpoint `json:"prefill,omitempty"`
	Decode  []WorkerEndpoint `json:"decode,omitempty"`
}

type DiscoveryConfiguration struct {
	Redis      *RedisDiscovery      `json:"redis,omitempty"`
	Kubernetes *KubernetesDiscovery `json:"kubernetes,omitempty"`
}

type RedisDiscovery struct {
	Address   string          `json:"address"`
	Password  string          `json:"password,omitempty"`
	DB        int             `json:"db,omitempty"`
	KeyPrefix string          `json:"keyPrefix,omitempty"`
	Interval  metav1.Duration `json:"interval,omitempty"`
}

type KubernetesDiscovery struct {
	Kubeconfig      string `json:"kubeconfig,omitempty"`
	Namespace       string `json:"namespace,omitempty"`
	PrefillSelector string `json:"prefillSelector"`
	DecodeSelector  string `json:"decodeSelector"`
	Port            int    `json:"port,omitempty"`
	// KVPort, when set, announces podIP:KVPort as the KV transfer address.
	KVPort int `json:"kvPort,omitempty"`
}

type ProxyConfiguration struct {
	RequestTimeout metav1.Duration `json:"requestTimeout,omitempty"`
	// RetryAfter is sent with 503 responses when no worker is available.
	RetryAfter metav1.Duration `json:"retryAfter,omitempty"`
}

type RateLimitConfiguration struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

type SessionConfiguration struct {
	CacheSize int `json:"cacheSize,omitempty"`
}

type AccessLogConfiguration struct {
	Enabled bool   `json:"enabled,omitempty"`
	Format  string `json:"format,omitempty"`
	// File is written through a rotating logger; empty means stdout.
	File string `json:"file,omitempty"`
}
