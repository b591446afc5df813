// Package debughttp mounts a local, non-protocol HTTP surface for health
// checks and stats — the same role the teacher's cmd/server health endpoint
// and internal/api.Logger/Recovery middleware play, adapted to run
// alongside the P2P overlay rather than as the data path itself.
package debughttp

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"webdht/internal/dht"
	"webdht/internal/storage"
)

// Server is the local debug/health HTTP surface for one peer.
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// New builds the router. selfID is reported in /healthz; d and engine back
// /stats.
func New(addr, selfID string, d *dht.DHT, engine *storage.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginLogger(logger), ginRecovery(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"peer":         selfID,
			"status":       "ok",
			"routingPeers": d.RoutingTableSize(),
		})
	})

	router.GET("/stats", func(c *gin.Context) {
		stats, err := engine.GetStats()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"itemCount":    stats.ItemCount,
			"totalSize":    stats.TotalSize,
			"routingPeers": d.RoutingTableSize(),
		})
	})

	return &Server{
		router: router,
		logger: logger,
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the underlying http.Handler, for use with httptest in
// place of binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks until the server is closed, returning nil on a clean
// Shutdown.
func (s *Server) Serve() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func ginRecovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
