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
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/accesslog"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/connectors"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/debug"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/filters/ratelimit"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/health"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/router"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/scheduler"
)

type Server struct {
	config *conf.RouterConfiguration

	store     datastore.Store
	rings     *hashring.RingSet
	sessions  *router.SessionRouter
	router    *router.Router
	monitor   *health.Monitor
	debug     *debug.DebugHandler
	accessLog accesslog.Logger
	metrics   *metrics.Metrics

	metricsHandler http.Handler
	controllers    aggregatedController
}

// NewServer wires the router components. reg may be nil to use the process
// wide prometheus registry.
func NewServer(cfg *conf.RouterConfiguration, reg *prometheus.Registry) (*Server, error) {
	if err := logger.SetLevelByName(cfg.LogLevel); err != nil {
		return nil, err
	}

	s := &Server{config: cfg}
	if reg == nil {
		s.metrics = metrics.Default()
		s.metricsHandler = promhttp.Handler()
	} else {
		s.metrics = metrics.NewMetrics(reg)
		s.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// rings and the monitor subscribe to the store before any worker arrives
	s.store = datastore.New()
	rings, err := hashring.NewRingSet(s.store, cfg.Scheduler.VirtualNodes)
	if err != nil {
		return nil, err
	}
	rings.ExportMetrics(s.store, s.metrics)
	s.rings = rings

	if !cfg.Health.Disabled {
		prober := health.NewHTTPProber(cfg.Health.Endpoint, cfg.Health.Timeout.Duration)
		var scraper health.LoadScraper
		if cfg.Health.ScrapeLoad {
			scraper = health.NewMetricsScraper(cfg.Health.MetricsEndpoint, cfg.Health.Timeout.Duration)
		}
		s.monitor = health.NewMonitor(s.store, prober, scraper, cfg.Health, s.metrics)
	}

	if err := registerStaticWorkers(s.store, cfg.Workers); err != nil {
		return nil, err
	}

	sched, err := scheduler.NewScheduler(s.store, rings, cfg.Scheduler, s.metrics)
	if err != nil {
		return nil, err
	}
	tracker, err := router.NewSessionTracker(cfg.Session.CacheSize, s.metrics)
	if err != nil {
		return nil, err
	}
	s.sessions = router.NewSessionRouter(sched, tracker, s.metrics)
	limiter := ratelimit.NewRequestRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	if !limiter.Enabled() {
		klog.V(2).Info("inbound rate limiting disabled")
	}
	s.router = router.NewRouter(s.sessions, s.store, connectors.NewHTTPConnector(cfg.Proxy.RequestTimeout.Duration), router.Options{
		Limiter:    limiter,
		Metrics:    s.metrics,
		RetryAfter: cfg.Proxy.RetryAfter.Duration,
	})

	var probes debug.ProbeHistory
	if s.monitor != nil {
		probes = s.monitor
	}
	s.debug = debug.NewDebugHandler(s.store, rings, s.sessions, probes)
	s.accessLog = accesslog.NewLogger(accesslog.Config{
		Enabled: cfg.AccessLog.Enabled,
		Format:  accesslog.Format(cfg.AccessLog.Format),
		File:    cfg.AccessLog.File,
	})

	klog.Infof("prefill policy %s, decode policy %s, %d virtual nodes per worker",
		sched.PolicyFor(datastore.RolePrefill), sched.PolicyFor(datastore.RoleDecode), cfg.Scheduler.VirtualNodes)
	return s, nil
}

func registerStaticWorkers(store datastore.Store, workers conf.StaticWorkers) error {
	for role, endpoints := range map[datastore.Role][]conf.WorkerEndpoint{
		datastore.RolePrefill: workers.Prefill,
		datastore.RoleDecode:  workers.Decode,
	} {
		for _, e := range endpoints {
			err := store.Register(datastore.Worker{
				Address:   e.Address,
				KVAddress: e.KVAddress,
				Role:      role,
				Source:    datastore.SourceStatic,
			})
			if err != nil {
				return fmt.Errorf("failed to register %s worker %s: %w", role, e.Address, err)
			}
		}
	}
	return nil
}

// Run starts the health monitor, discovery and the HTTP server, and blocks
// until ctx is cancelled and everything has stopped.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.monitor.Run(ctx)
		}()
	}

	controllers, err := startControllers(ctx, &wg, s.config.Discovery, s.store, s.metrics)
	if err != nil {
		return err
	}
	s.controllers = controllers

	s.startRouter(ctx)
	wg.Wait()
	return nil
}

func (s *Server) HasSynced() bool {
	return s.controllers.HasSynced()
}
