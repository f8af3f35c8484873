// Package api exposes fleet operations over a JSON REST interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/powerhive/minerctl/internal/fleet"
	"github.com/powerhive/minerctl/pkg/detect"
	"github.com/powerhive/minerctl/pkg/inventory"
	"github.com/powerhive/minerctl/pkg/miner"
)

// Server is the REST facade over a fleet manager.
type Server struct {
	manager *fleet.Manager
	scanner *detect.Scanner
	logger  *zap.Logger
	router  *gin.Engine
}

// NewServer creates a Server. scanner may be nil, which disables /scan.
func NewServer(manager *fleet.Manager, scanner *detect.Scanner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{manager: manager, scanner: scanner, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/scan", s.handleScan)

		api.GET("/miners", s.handleListMiners)
		api.GET("/miners/:host", s.handleStatus)
		api.DELETE("/miners/:host", s.handleForget)
		api.GET("/miners/:host/pools", s.handleGetPools)
		api.PUT("/miners/:host/pools", s.handleSetPools)
		api.POST("/miners/:host/reboot", s.handleReboot)
		api.GET("/miners/:host/sleep", s.handleGetSleep)
		api.PUT("/miners/:host/sleep", s.handleSetSleep)
		api.GET("/miners/:host/blink", s.handleGetBlink)
		api.PUT("/miners/:host/blink", s.handleSetBlink)
		api.GET("/miners/:host/logs", s.handleLogs)
		api.GET("/miners/:host/errors", s.handleErrors)
	}

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("api server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
	)
}

// statusFor maps library errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, miner.ErrUnauthorized), errors.Is(err, miner.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, miner.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, miner.ErrUnknownMinerType):
		return http.StatusNotFound
	case errors.Is(err, miner.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, miner.ErrConnectionRefused), errors.Is(err, miner.ErrNoHost),
		errors.Is(err, miner.ErrRequestFailed), errors.Is(err, miner.ErrInvalidResponse),
		errors.Is(err, miner.ErrRebootIgnored):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// withMiner opens the miner named by the :host parameter.
func (s *Server) withMiner(c *gin.Context, fn func(context.Context, miner.Miner)) {
	ctx := c.Request.Context()
	m, err := s.manager.Open(ctx, c.Param("host"))
	if err != nil {
		s.fail(c, err)
		return
	}
	fn(ctx, m)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type scanRequest struct {
	Targets []string `json:"targets" binding:"required,min=1"`
	Where   string   `json:"where"`
}

func (s *Server) handleScan(c *gin.Context) {
	if s.scanner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "scanning is disabled"})
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	keep, err := fleet.CompileFilter(req.Where)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := s.scanner.Scan(ctx, req.Targets...)
	if err != nil && result == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	found := make([]*fleet.Snapshot, 0, len(result.Miners))
	for _, d := range result.Miners {
		model, _ := d.Miner.Model(ctx)
		s.manager.Remember(ctx, d.Handle, model, "")
		found = append(found, fleet.Identity(d.Handle, model))
	}
	c.JSON(http.StatusOK, gin.H{
		"miners":           keep.Apply(found),
		"scanned_hosts":    result.ScannedHosts,
		"responsive_hosts": result.ResponsiveHosts,
		"failed_hosts":     len(result.Errors),
		"duration_ms":      result.Duration.Milliseconds(),
	})
}

func (s *Server) handleListMiners(c *gin.Context) {
	store := s.manager.Store()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"miners": []*inventory.Device{}})
		return
	}
	filter := inventory.Filter{
		Vendor:     miner.Vendor(c.Query("vendor")),
		OnlineOnly: c.Query("online") == "true",
	}
	devices, err := store.ListDevices(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if devices == nil {
		devices = []*inventory.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"miners": devices})
}

func (s *Server) handleStatus(c *gin.Context) {
	snaps, err := s.manager.Status(c.Request.Context(), []string{c.Param("host")}, nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps[0])
}

func (s *Server) handleForget(c *gin.Context) {
	store := s.manager.Store()
	if store == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if err := store.DeleteDevice(c.Request.Context(), c.Param("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPools(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		pools, err := m.Pools(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		// Passwords are never echoed back.
		for i := range pools {
			pools[i].Password = nil
		}
		c.JSON(http.StatusOK, gin.H{"pools": pools})
	})
}

type poolsRequest struct {
	Pools []miner.Pool `json:"pools" binding:"required"`
}

func (s *Server) handleSetPools(c *gin.Context) {
	var req poolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		if err := m.SetPools(ctx, req.Pools); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func (s *Server) handleReboot(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		if err := m.Reboot(ctx); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "reboot requested"})
	})
}

type toggleRequest struct {
	On *bool `json:"on" binding:"required"`
}

func (s *Server) handleGetSleep(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		on, err := m.Sleep(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"on": on})
	})
}

func (s *Server) handleSetSleep(c *gin.Context) {
	s.toggle(c, func(ctx context.Context, m miner.Miner, on bool) error { return m.SetSleep(ctx, on) })
}

func (s *Server) handleGetBlink(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		on, err := m.Blink(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"on": on})
	})
}

func (s *Server) handleSetBlink(c *gin.Context) {
	s.toggle(c, func(ctx context.Context, m miner.Miner, on bool) error { return m.SetBlink(ctx, on) })
}

func (s *Server) toggle(c *gin.Context, set func(context.Context, miner.Miner, bool) error) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		if err := set(ctx, m, *req.On); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"on": *req.On})
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		lines, err := m.Logs(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"lines": lines})
	})
}

func (s *Server) handleErrors(c *gin.Context) {
	s.withMiner(c, func(ctx context.Context, m miner.Miner) {
		errs, err := m.Errors(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		if errs == nil {
			errs = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"errors": errs})
	})
}
