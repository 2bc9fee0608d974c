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

package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

var log = logger.NewLogger("discovery")

// RedisDiscovery mirrors two redis hashes, <prefix>:prefill and
// <prefix>:decode, into the worker store. Each hash field is a worker's HTTP
// address and its value the KV transfer address, which may be empty.
//
// Only workers this source registered are ever deregistered by it.
type RedisDiscovery struct {
	client  *redis.Client
	store   datastore.Store
	config  conf.RedisDiscovery
	metrics *metrics.Metrics

	synced atomic.Bool

	mu    sync.Mutex
	owned map[datastore.Role]map[string]string
}

func NewRedisDiscovery(config conf.RedisDiscovery, store datastore.Store, m *metrics.Metrics) *RedisDiscovery {
	if config.KeyPrefix == "" {
		config.KeyPrefix = conf.DefaultRedisKeyPrefix
	}
	if config.Interval.Duration <= 0 {
		config.Interval.Duration = conf.DefaultRedisInterval
	}
	if m == nil {
		m = metrics.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	owned := make(map[datastore.Role]map[string]string, len(datastore.Roles))
	for _, role := range datastore.Roles {
		owned[role] = make(map[string]string)
	}
	return &RedisDiscovery{
		client:  client,
		store:   store,
		config:  config,
		metrics: m,
		owned:   owned,
	}
}

func (d *RedisDiscovery) key(role datastore.Role) string {
	return d.config.KeyPrefix + ":" + string(role)
}

// HasSynced reports whether one sync has completed.
func (d *RedisDiscovery) HasSynced() bool {
	return d.synced.Load()
}

// Run syncs every interval until ctx is done.
func (d *RedisDiscovery) Run(ctx context.Context) {
	defer d.client.Close()
	log.Infof("watching redis %s for workers under %s:*", d.config.Address, d.config.KeyPrefix)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := d.Sync(ctx); err != nil {
			log.Errorf("redis worker sync failed: %v", err)
		}
	}, d.config.Interval.Duration)
}

// Sync reads both hashes and reconciles the store against them. A failed
// read leaves the store untouched.
func (d *RedisDiscovery) Sync(ctx context.Context) error {
	desired := make(map[datastore.Role]map[string]string, len(datastore.Roles))
	for _, role := range datastore.Roles {
		fields, err := d.client.HGetAll(ctx, d.key(role)).Result()
		if err != nil {
			d.metrics.DiscoverySyncs.WithLabelValues(string(datastore.SourceRedis), metrics.ResultFailure).Inc()
			return fmt.Errorf("failed to read %s: %w", d.key(role), err)
		}
		desired[role] = fields
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, role := range datastore.Roles {
		for addr := range d.owned[role] {
			if _, ok := desired[role][addr]; ok {
				continue
			}
			d.store.DeregisterRole(role, addr)
			delete(d.owned[role], addr)
		}
	}

	for _, role := range datastore.Roles {
		for addr, kv := range desired[role] {
			if prev, ok := d.owned[role][addr]; ok && prev == kv {
				continue
			}
			err := d.store.Register(datastore.Worker{
				Address:   addr,
				KVAddress: kv,
				Role:      role,
				Source:    datastore.SourceRedis,
			})
			if err != nil {
				log.Warnf("skipping %s worker %q from redis: %v", role, addr, err)
				continue
			}
			d.owned[role][addr] = kv
		}
	}
	d.synced.Store(true)
	d.metrics.DiscoverySyncs.WithLabelValues(string(datastore.SourceRedis), metrics.ResultSuccess).Inc()
	return nil
}
