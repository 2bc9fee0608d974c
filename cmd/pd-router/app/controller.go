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
	"sync"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/controller"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/discovery"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/metrics"
)

type Controller interface {
	HasSynced() bool
}

type aggregatedController struct {
	controllers []Controller
}

var _ Controller = &aggregatedController{}

func (c *aggregatedController) HasSynced() bool {
	for _, controller := range c.controllers {
		if !controller.HasSynced() {
			return false
		}
	}
	return true
}

// startControllers launches the configured worker discovery sources. Each one
// runs until ctx is done and is tracked by wg.
func startControllers(ctx context.Context, wg *sync.WaitGroup, cfg conf.DiscoveryConfiguration, store datastore.Store, m *metrics.Metrics) (aggregatedController, error) {
	var agg aggregatedController

	if cfg.Redis != nil {
		redisDiscovery := discovery.NewRedisDiscovery(*cfg.Redis, store, m)
		agg.controllers = append(agg.controllers, redisDiscovery)
		wg.Add(1)
		go func() {
			defer wg.Done()
			redisDiscovery.Run(ctx)
		}()
	}

	if cfg.Kubernetes != nil {
		kubeClient, err := controller.NewKubeClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return agg, err
		}
		kubeInformerFactory := controller.NewInformerFactory(kubeClient, *cfg.Kubernetes)
		podController, err := controller.NewPodController(kubeInformerFactory, store, *cfg.Kubernetes, m)
		if err != nil {
			return agg, err
		}
		agg.controllers = append(agg.controllers, podController)
		kubeInformerFactory.Start(ctx.Done())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := podController.Run(ctx, 1); err != nil {
				log.Errorf("Error running pod controller: %v", err)
			}
		}()
	}

	return agg, nil
}
