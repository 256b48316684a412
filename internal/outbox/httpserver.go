package outbox

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/infraspectre/amoskys/internal/metrics"
	"github.com/infraspectre/amoskys/internal/queue"
)

// HTTPServer is the agent's local, read-only observability surface:
// /healthz, /ready, /metrics — boundary endpoints only, never part of the
// publish path.
type HTTPServer struct {
	srv     *http.Server
	queue   *queue.SQLiteQueue
	breaker *CircuitBreaker
}

// NewHTTPServer builds the agent's gin-routed observability server bound
// to addr.
func NewHTTPServer(addr string, q *queue.SQLiteQueue, breaker *CircuitBreaker) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{queue: q, breaker: breaker}

	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx := c.Request.Context()

	if _, err := s.queue.Size(ctx); err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	if s.breaker.State() == StateOpen {
		metrics.AgentReadyState.Set(0)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	metrics.AgentReadyState.Set(1)
	c.Status(http.StatusOK)
}

// RefreshGauges samples the outbox queue depth and host CPU/memory via
// gopsutil, updating the corresponding metrics series. Intended to be
// called periodically from the agent's main loop.
func RefreshGauges(ctx context.Context, q *queue.SQLiteQueue, backoff time.Duration) {
	if depth, err := q.Size(ctx); err == nil {
		metrics.AgentOutboxDepth.Set(float64(depth))
	}
	metrics.AgentOutboxBackoffMs.Set(float64(backoff.Milliseconds()))

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics.AgentHostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.AgentHostMemPercent.Set(vm.UsedPercent)
	}
}

// Start begins serving HTTP requests; it returns once the listener fails
// or Stop is called.
func (s *HTTPServer) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
