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

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/conf"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

type addWorkerRequest struct {
	Address   string `json:"address" binding:"required"`
	Role      string `json:"role" binding:"required"`
	KVAddress string `json:"kv_address,omitempty"`
}

// AddWorker registers a worker posted as {"address", "role", "kv_address"}.
func (r *Router) AddWorker(c *gin.Context) {
	var req addWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := datastore.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	endpoint, err := conf.ParseWorkerEndpoint(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.KVAddress != "" {
		endpoint.KVAddress = req.KVAddress
	}
	w := datastore.Worker{Address: endpoint.Address, KVAddress: endpoint.KVAddress, Role: role, Source: datastore.SourceAPI}
	if err := r.store.Register(w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	registered, _ := r.store.Get(role, endpoint.Address)
	c.JSON(http.StatusOK, registered)
}

// RemoveWorker deregisters ?address= from every role.
func (r *Router) RemoveWorker(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	if !r.store.Deregister(address) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("worker %s not found", address)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": address})
}

// DrainWorker stops new selections of ?address= without removing it.
func (r *Router) DrainWorker(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	if !r.store.UpdateHealth(address, datastore.Draining) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("worker %s not found", address)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"draining": address})
}

// ListWorkers returns workers, optionally filtered by ?role=.
func (r *Router) ListWorkers(c *gin.Context) {
	roles := datastore.Roles
	if q := c.Query("role"); q != "" {
		role, err := datastore.ParseRole(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		roles = []datastore.Role{role}
	}
	result := make(map[datastore.Role][]datastore.Worker, len(roles))
	for _, role := range roles {
		result[role] = r.store.List(role, false)
	}
	c.JSON(http.StatusOK, result)
}
