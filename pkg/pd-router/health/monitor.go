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

package health

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

var log = logger.NewLogger("health")

// ProbeResult is one entry of a worker's probe history.
type ProbeResult struct {
	Time    time.Time              `json:"time"`
	Success bool                   `json:"success"`
	Latency time.Duration          `json:"latency"`
	Error   string                 `json:"error,omitempty"`
	Status  datastore.HealthStatus `json:"status"`
}

type probeState struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	history   deque.Deque[ProbeResult]
	failures  int
	successes int
}

func (s *probeState) record(r ProbeResult, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.PushBack(r)
	for s.history.Len() > limit {
		s.history.PopFront()
	}
}

// Monitor probes every registered worker address on its own goroutine and
// reports status transitions to the store.
type Monitor struct {
	store   datastore.Store
	prober  Prober
	scraper LoadScraper
	config  conf.HealthConfiguration
	metrics *metrics.Metrics

	mu     sync.Mutex
	ctx    context.Context
	probes map[string]*probeState
	wg     sync.WaitGroup
}

// NewMonitor subscribes to store events. Probing starts with Run. scraper may
// be nil to leave worker load untouched.
func NewMonitor(store datastore.Store, prober Prober, scraper LoadScraper, config conf.HealthConfiguration, m *metrics.Metrics) *Monitor {
	if m == nil {
		m = metrics.Default()
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = conf.DefaultFailureThreshold
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = conf.DefaultSuccessThreshold
	}
	if config.HistorySize < 1 {
		config.HistorySize = conf.DefaultHistorySize
	}
	if config.Interval.Duration <= 0 {
		config.Interval.Duration = conf.DefaultProbeInterval
	}
	if config.Timeout.Duration <= 0 {
		config.Timeout.Duration = conf.DefaultProbeTimeout
	}
	if config.MaxBackoff.Duration < config.Interval.Duration {
		config.MaxBackoff.Duration = config.Interval.Duration
	}
	mon := &Monitor{
		store:   store,
		prober:  prober,
		scraper: scraper,
		config:  config,
		metrics: m,
		probes:  make(map[string]*probeState),
	}
	store.RegisterCallback(mon.onWorkerEvent)
	return mon
}

// Run probes until ctx is done, then waits for every probe goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for _, addr := range m.store.Addresses() {
		m.ensureProbe(addr)
	}
	log.Infof("health monitor started, interval %s, timeout %s", m.config.Interval.Duration, m.config.Timeout.Duration)

	<-ctx.Done()

	m.mu.Lock()
	for addr, st := range m.probes {
		st.cancel()
		delete(m.probes, addr)
	}
	m.mu.Unlock()
	m.wg.Wait()
	log.Info("health monitor stopped")
}

// History returns the recent probe results of a worker, oldest first.
func (m *Monitor) History(address string) ([]ProbeResult, bool) {
	m.mu.Lock()
	st, ok := m.probes[address]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]ProbeResult, 0, st.history.Len())
	for i := 0; i < st.history.Len(); i++ {
		out = append(out, st.history.At(i))
	}
	return out, true
}

func (m *Monitor) onWorkerEvent(data datastore.EventData) {
	switch data.EventType {
	case datastore.EventAdd:
		m.ensureProbe(data.Worker.Address)
	case datastore.EventDelete:
		for _, role := range datastore.Roles {
			if _, ok := m.store.Get(role, data.Worker.Address); ok {
				return
			}
		}
		m.stopProbe(data.Worker.Address)
	}
}

func (m *Monitor) ensureProbe(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	if _, ok := m.probes[address]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	st := &probeState{cancel: cancel}
	m.probes[address] = st
	m.wg.Add(1)
	go m.loop(ctx, address, st)
	log.Debugf("started probing %s", address)
}

// stopProbe runs inside store callbacks and must not wait for the goroutine,
// which may itself be blocked on the store.
func (m *Monitor) stopProbe(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.probes[address]; ok {
		st.cancel()
		delete(m.probes, address)
		log.Debugf("stopped probing %s", address)
	}
}

func (m *Monitor) loop(ctx context.Context, address string, st *probeState) {
	defer m.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.probe(ctx, address, st)
		timer.Reset(m.nextDelay(st))
	}
}

func (m *Monitor) nextDelay(st *probeState) time.Duration {
	st.mu.Lock()
	over := st.failures - m.config.FailureThreshold
	st.mu.Unlock()
	if over < 0 {
		return m.config.Interval.Duration
	}
	return retryablehttp.DefaultBackoff(m.config.Interval.Duration, m.config.MaxBackoff.Duration, over, nil)
}

func (m *Monitor) currentStatus(address string) (datastore.HealthStatus, bool) {
	for _, role := range datastore.Roles {
		if w, ok := m.store.Get(role, address); ok {
			return w.Status, true
		}
	}
	return "", false
}

func (m *Monitor) probe(ctx context.Context, address string, st *probeState) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.config.Timeout.Duration)
	start := time.Now()
	err := m.prober.Probe(attemptCtx, address)
	cancel()
	if ctx.Err() != nil {
		return
	}

	result := ProbeResult{Time: start, Latency: time.Since(start), Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		m.metrics.HealthProbes.WithLabelValues(metrics.ResultFailure).Inc()
	} else {
		m.metrics.HealthProbes.WithLabelValues(metrics.ResultSuccess).Inc()
	}

	st.mu.Lock()
	if err != nil {
		st.failures++
		st.successes = 0
	} else {
		st.successes++
		st.failures = 0
	}
	failures, successes := st.failures, st.successes
	st.mu.Unlock()

	status, ok := m.currentStatus(address)
	if !ok {
		return
	}
	switch {
	case status == datastore.Draining:
	case err != nil && status == datastore.Healthy && failures >= m.config.FailureThreshold:
		log.Warnf("worker %s failed %d consecutive probes: %v", address, failures, err)
		status = m.transition(address, datastore.Unhealthy)
	case err == nil && status == datastore.Unhealthy && successes >= m.config.SuccessThreshold:
		log.Infof("worker %s recovered", address)
		status = m.transition(address, datastore.Healthy)
	case err != nil:
		log.Debugf("probe of %s failed (%d/%d): %v", address, failures, m.config.FailureThreshold, err)
	}
	result.Status = status
	st.record(result, m.config.HistorySize)

	if err == nil && m.scraper != nil {
		m.scrapeLoad(ctx, address)
	}
}

func (m *Monitor) transition(address string, status datastore.HealthStatus) datastore.HealthStatus {
	if m.store.UpdateHealth(address, status) {
		m.metrics.HealthTransitions.WithLabelValues(string(status)).Inc()
	}
	return status
}

func (m *Monitor) scrapeLoad(ctx context.Context, address string) {
	scrapeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout.Duration)
	defer cancel()
	load, err := m.scraper.Scrape(scrapeCtx, address)
	if err != nil {
		log.Debugf("failed to scrape load from %s: %v", address, err)
		return
	}
	m.store.UpdateLoad(address, load)
}
