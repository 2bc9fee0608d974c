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
	"fmt"

	"github.com/spf13/pflag"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
)

// Options are the command line flags. Flags that are set explicitly
// override the configuration file.
type Options struct {
	ConfigFile string

	Port            int
	LogLevel        string
	Policy          string
	PrefillPolicy   string
	DecodePolicy    string
	FallbackPolicy  string
	RequireAffinity bool
	VirtualNodes    int

	Prefill []string
	Decode  []string

	DisableHealthCheck bool
	HealthEndpoint     string
	ScrapeLoad         bool

	RedisAddress    string
	RedisKeyPrefix  string
	KubeNamespace   string
	Kubeconfig      string
	PrefillSelector string
	DecodeSelector  string

	AccessLog bool

	flags *pflag.FlagSet
}

func NewOptions() *Options {
	return &Options{}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.flags = fs
	fs.StringVar(&o.ConfigFile, "config", "", "Path to the router configuration file")
	fs.IntVar(&o.Port, "port", conf.DefaultPort, "Server listen port")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Log level of the router loggers")
	fs.StringVar(&o.Policy, "policy", conf.DefaultPolicy, "Worker selection policy for both roles: consistent_hash, round_robin, random or least_load")
	fs.StringVar(&o.PrefillPolicy, "prefill-policy", "", "Override the selection policy for prefill workers")
	fs.StringVar(&o.DecodePolicy, "decode-policy", "", "Override the selection policy for decode workers")
	fs.StringVar(&o.FallbackPolicy, "fallback-policy", conf.DefaultFallbackPolicy, "Policy for requests without a routing key when the role policy needs one")
	fs.BoolVar(&o.RequireAffinity, "require-affinity", false, "Reject requests without a routing key instead of using the fallback policy")
	fs.IntVar(&o.VirtualNodes, "virtual-nodes", conf.DefaultVirtualNodes, "Virtual nodes per worker on the hash ring")
	fs.StringArrayVar(&o.Prefill, "prefill", nil, "Prefill worker as host:port[@kv_host:kv_port], repeatable")
	fs.StringArrayVar(&o.Decode, "decode", nil, "Decode worker as host:port[@kv_host:kv_port], repeatable")
	fs.BoolVar(&o.DisableHealthCheck, "disable-health-check", false, "Do not probe workers")
	fs.StringVar(&o.HealthEndpoint, "health-endpoint", conf.DefaultHealthEndpoint, "Worker health check path")
	fs.BoolVar(&o.ScrapeLoad, "scrape-load", false, "Read worker queue depth from their prometheus endpoint")
	fs.StringVar(&o.RedisAddress, "redis-address", "", "Discover workers from this redis server")
	fs.StringVar(&o.RedisKeyPrefix, "redis-key-prefix", conf.DefaultRedisKeyPrefix, "Prefix of the redis worker hashes")
	fs.StringVar(&o.KubeNamespace, "kube-namespace", "", "Discover worker pods in this namespace")
	fs.StringVar(&o.Kubeconfig, "kubeconfig", "", "Path to a kubeconfig; in-cluster config when empty")
	fs.StringVar(&o.PrefillSelector, "prefill-selector", "", "Label selector of prefill pods")
	fs.StringVar(&o.DecodeSelector, "decode-selector", "", "Label selector of decode pods")
	fs.BoolVar(&o.AccessLog, "access-log", false, "Write one access log record per request")
}

func (o *Options) changed(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// Config loads the configuration file, applies flag overrides and validates
// the result.
func (o *Options) Config() (*conf.RouterConfiguration, error) {
	cfg := &conf.RouterConfiguration{}
	if o.ConfigFile != "" {
		loaded, err := conf.Load(o.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// without a config file every flag value, default or not, applies
	all := o.ConfigFile == ""
	set := func(name string) bool { return all || o.changed(name) }

	if set("port") {
		cfg.Port = o.Port
	}
	if set("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if set("policy") {
		cfg.Scheduler.Policy = o.Policy
	}
	if set("prefill-policy") && o.PrefillPolicy != "" {
		cfg.Scheduler.PrefillPolicy = o.PrefillPolicy
	}
	if set("decode-policy") && o.DecodePolicy != "" {
		cfg.Scheduler.DecodePolicy = o.DecodePolicy
	}
	if set("fallback-policy") {
		cfg.Scheduler.FallbackPolicy = o.FallbackPolicy
	}
	if set("require-affinity") {
		cfg.Scheduler.RequireAffinity = o.RequireAffinity
	}
	if set("virtual-nodes") {
		// SetDefaults treats 0 as unset, so an explicit 0 is rejected here
		if o.VirtualNodes < 1 {
			return nil, fmt.Errorf("--virtual-nodes must be at least 1, got %d", o.VirtualNodes)
		}
		cfg.Scheduler.VirtualNodes = o.VirtualNodes
	}
	if set("disable-health-check") {
		cfg.Health.Disabled = o.DisableHealthCheck
	}
	if set("health-endpoint") {
		cfg.Health.Endpoint = o.HealthEndpoint
	}
	if set("scrape-load") {
		cfg.Health.ScrapeLoad = o.ScrapeLoad
	}
	if set("access-log") {
		cfg.AccessLog.Enabled = o.AccessLog
	}

	for _, raw := range o.Prefill {
		endpoint, err := conf.ParseWorkerEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("--prefill: %w", err)
		}
		cfg.Workers.Prefill = append(cfg.Workers.Prefill, endpoint)
	}
	for _, raw := range o.Decode {
		endpoint, err := conf.ParseWorkerEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("--decode: %w", err)
		}
		cfg.Workers.Decode = append(cfg.Workers.Decode, endpoint)
	}

	if o.RedisAddress != "" {
		cfg.Discovery.Redis = &conf.RedisDiscovery{Address: o.RedisAddress, KeyPrefix: o.RedisKeyPrefix}
	}
	if o.KubeNamespace != "" || o.PrefillSelector != "" || o.DecodeSelector != "" {
		cfg.Discovery.Kubernetes = &conf.KubernetesDiscovery{
			Kubeconfig:      o.Kubeconfig,
			Namespace:       o.KubeNamespace,
			PrefillSelector: o.PrefillSelector,
			DecodeSelector:  o.DecodeSelector,
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
