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

package debug

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/hashring"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/health"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/router"
)

const defaultSessionLimit = 100

// ProbeHistory is implemented by the health monitor.
type ProbeHistory interface {
	History(address string) ([]health.ProbeResult, bool)
}

// DebugHandler provides read-only introspection of the router's state.
type DebugHandler struct {
	store    datastore.Store
	rings    *hashring.RingSet
	sessions *router.SessionRouter
	probes   ProbeHistory
}

// NewDebugHandler creates a new debug handler. probes may be nil when health
// checking is disabled.
func NewDebugHandler(store datastore.Store, rings *hashring.RingSet, sessions *router.SessionRouter, probes ProbeHistory) *DebugHandler {
	return &DebugHandler{
		store:    store,
		rings:    rings,
		sessions: sessions,
		probes:   probes,
	}
}

// Register mounts the handlers under group.
func (h *DebugHandler) Register(group *gin.RouterGroup) {
	group.GET("/workers", h.ListWorkers)
	group.GET("/rings/:role", h.GetRing)
	group.GET("/sessions", h.ListSessions)
	group.GET("/sessions/:key", h.GetSession)
	group.POST("/route", h.DryRunRoute)
	group.GET("/health/:address", h.GetProbeHistory)
}

type WorkersResponse struct {
	Prefill []datastore.Worker `json:"prefill"`
	Decode  []datastore.Worker `json:"decode"`
}

type RingResponse struct {
	Role         datastore.Role     `json:"role"`
	Version      uint64             `json:"version"`
	VirtualNodes int                `json:"virtualNodes"`
	Size         int                `json:"size"`
	Members      []datastore.Worker `json:"members"`
	// Distribution is the share of the hash space owned by each member.
	Distribution map[string]float64 `json:"distribution"`
}

// ListWorkers handles GET /debug/workers
func (h *DebugHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, WorkersResponse{
		Prefill: h.store.List(datastore.RolePrefill, false),
		Decode:  h.store.List(datastore.RoleDecode, false),
	})
}

// GetRing handles GET /debug/rings/:role
func (h *DebugHandler) GetRing(c *gin.Context) {
	role, err := datastore.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ring, err := h.rings.Ring(role)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, RingResponse{
		Role:         role,
		Version:      ring.Version(),
		VirtualNodes: ring.VirtualNodes(),
		Size:         ring.Len(),
		Members:      ring.Members(),
		Distribution: ring.Distribution(),
	})
}

// ListSessions handles GET /debug/sessions?limit=N
func (h *DebugHandler) ListSessions(c *gin.Context) {
	limit := defaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = n
	}
	tracker := h.sessions.Sessions()
	if tracker == nil {
		c.JSON(http.StatusOK, gin.H{"total": 0, "sessions": []router.SessionAssignment{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": tracker.Len(), "sessions": tracker.Recent(limit)})
}

// GetSession handles GET /debug/sessions/:key
func (h *DebugHandler) GetSession(c *gin.Context) {
	key := c.Param("key")
	tracker := h.sessions.Sessions()
	if tracker != nil {
		if assignment, ok := tracker.Get(key); ok {
			c.JSON(http.StatusOK, assignment)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %q not found", key)})
}

// DryRunRoute handles POST /debug/route. The body and headers are read the
// same way as an inference request; nothing is proxied or recorded.
func (h *DebugHandler) DryRunRoute(c *gin.Context) {
	body := map[string]interface{}{}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}

	decision, err := h.sessions.DryRun(router.ExtractRoutingRequest(body, c.Request.Header))
	if err != nil {
		status, errorType := router.ClassifyRoutingError(err)
		c.JSON(status, gin.H{"error": gin.H{"message": err.Error(), "type": errorType}})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// GetProbeHistory handles GET /debug/health/:address
func (h *DebugHandler) GetProbeHistory(c *gin.Context) {
	address := c.Param("address")
	if h.probes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "health checking is disabled"})
		return
	}
	history, ok := h.probes.History(address)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("worker %s is not being probed", address)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "probes": history})
}
