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

package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

type workerLoad struct {
	Worker   string                 `json:"worker"`
	Load     float64                `json:"load"`
	InFlight int64                  `json:"in_flight"`
	Status   datastore.HealthStatus `json:"status"`
}

// Passthrough forwards model and server info queries to a healthy worker,
// preferring decode workers since they hold the serving configuration.
func (r *Router) Passthrough(c *gin.Context) {
	workers := r.store.List(datastore.RoleDecode, true)
	if len(workers) == 0 {
		workers = r.store.List(datastore.RolePrefill, true)
	}
	if len(workers) == 0 {
		r.setRetryAfter(c)
		r.abort(c, http.StatusServiceUnavailable, errorTypeUnavailable,
			fmt.Errorf("no healthy worker to serve %s", c.Request.URL.Path))
		return
	}
	if err := r.connector.Forward(c, workers[0]); err != nil {
		klog.V(2).Infof("forward %s to %s failed: %v", c.Request.URL.Path, workers[0].Address, err)
		if !c.Writer.Written() {
			r.abort(c, http.StatusBadGateway, errorTypeUpstream, err)
		}
	}
}

// WorkerLoads reports load and in-flight counts per role.
func (r *Router) WorkerLoads(c *gin.Context) {
	result := make(map[datastore.Role][]workerLoad, len(datastore.Roles))
	for _, role := range datastore.Roles {
		loads := make([]workerLoad, 0)
		for _, w := range r.store.List(role, false) {
			loads = append(loads, workerLoad{Worker: w.Address, Load: w.Load, InFlight: w.InFlight, Status: w.Status})
		}
		result[role] = loads
	}
	c.JSON(http.StatusOK, result)
}

// HealthGenerate succeeds only when both roles have a healthy worker.
func (r *Router) HealthGenerate(c *gin.Context) {
	healthy := make(map[datastore.Role]int, len(datastore.Roles))
	ready := true
	for _, role := range datastore.Roles {
		healthy[role] = len(r.store.List(role, true))
		if healthy[role] == 0 {
			ready = false
		}
	}
	if !ready {
		r.setRetryAfter(c)
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": healthy, "message": "no healthy prefill/decode pair"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": healthy})
}
