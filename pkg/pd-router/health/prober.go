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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Prober checks whether a worker is alive.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// LoadScraper reads a worker's queue depth.
type LoadScraper interface {
	Scrape(ctx context.Context, address string) (float64, error)
}

func newClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	// consecutive failures are counted by the monitor, not retried here
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	return client
}

// HTTPProber issues GET http://<address><endpoint> and accepts any 2xx.
type HTTPProber struct {
	client   *retryablehttp.Client
	endpoint string
}

func NewHTTPProber(endpoint string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: newClient(timeout), endpoint: endpoint}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+p.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint of %s returned %d", address, resp.StatusCode)
	}
	return nil
}

// Queue depth metrics exported by the supported engines. Load is running
// plus waiting requests.
var loadMetricNames = []string{
	"vllm:num_requests_running",
	"vllm:num_requests_waiting",
	"sglang:num_running_reqs",
	"sglang:num_queue_reqs",
}

// MetricsScraper reads load from the worker's prometheus endpoint.
type MetricsScraper struct {
	client   *retryablehttp.Client
	endpoint string
}

func NewMetricsScraper(endpoint string, timeout time.Duration) *MetricsScraper {
	return &MetricsScraper{client: newClient(timeout), endpoint: endpoint}
}

func (s *MetricsScraper) Scrape(ctx context.Context, address string) (float64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+s.endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch metrics from %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("metrics endpoint of %s returned %d", address, resp.StatusCode)
	}
	return parseLoad(resp.Body)
}

func parseLoad(r io.Reader) (float64, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return 0, fmt.Errorf("error parsing metric families: %w", err)
	}
	load := 0.0
	found := false
	for _, name := range loadMetricNames {
		mf, ok := families[name]
		if !ok {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			load += metricValue(mf.GetType(), m)
		}
	}
	if !found {
		return 0, fmt.Errorf("no load metric exported")
	}
	return load, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	}
	return 0
}
