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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/accesslog"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
)

const gracefulShutdownTimeout = 15 * time.Second

var log = logger.NewLogger("app")

// Engine builds the HTTP handler tree.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/healthz", "/readyz", "/metrics"), gin.Recovery())
	engine.Use(accesslog.Middleware(s.accessLog))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		if s.HasSynced() {
			c.JSON(http.StatusOK, gin.H{
				"message": "router is ready",
			})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"message": "router is not ready",
			})
		}
	})

	engine.GET("/metrics", gin.WrapH(s.metricsHandler))

	engine.POST("/v1/completions", s.router.HandlerFunc())
	engine.POST("/v1/chat/completions", s.router.HandlerFunc())
	engine.POST("/generate", s.router.HandlerFunc())
	engine.GET("/v1/models", s.router.Passthrough)
	engine.GET("/get_model_info", s.router.Passthrough)
	engine.GET("/get_server_info", s.router.Passthrough)
	engine.GET("/get_worker_loads", s.router.WorkerLoads)
	engine.GET("/health_generate", s.router.HealthGenerate)

	engine.GET("/workers", s.router.ListWorkers)
	engine.POST("/workers", s.router.AddWorker)
	engine.DELETE("/workers", s.router.RemoveWorker)
	engine.POST("/workers/drain", s.router.DrainWorker)

	s.debug.Register(engine.Group("/debug"))
	return engine
}

func (s *Server) startRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(s.config.Port),
		Handler: s.Engine().Handler(),
	}
	go func() {
		klog.Infof("pd-router listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	// graceful shutdown
	klog.Info("Shutting down HTTP server ...")
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		klog.Errorf("Server shutdown failed: %v", err)
	}
	klog.Info("HTTP server exited")
}
