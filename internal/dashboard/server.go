package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"deriflow/config"
	"deriflow/internal/metrics"
	"deriflow/logger"
	"deriflow/models"
)

// Sources are the live views the status endpoint reads from. Each func is
// called per request; all of them must be safe for concurrent use.
type Sources struct {
	ConnectorState   func() string
	Subscriptions    func() []string
	ClientCount      func() int
	SubscriberCounts func() map[string]int
	CurrentOrders    func() []models.Order
}

// Server hosts the Gin-powered status and metrics endpoints.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	sources    Sources
	httpServer *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:     cfg,
		log:     logger.GetLogger(),
		sources: sources,
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	_ = router.SetTrustedProxies(nil)

	router.GET("/status", func(c *gin.Context) {
		status := gin.H{"app": appName}
		if s.sources.ConnectorState != nil {
			status["connector"] = s.sources.ConnectorState()
		}
		if s.sources.Subscriptions != nil {
			status["upstream_channels"] = s.sources.Subscriptions()
		}
		if s.sources.ClientCount != nil {
			status["clients"] = s.sources.ClientCount()
		}
		if s.sources.SubscriberCounts != nil {
			status["subscribers"] = s.sources.SubscriberCounts()
		}
		if s.sources.CurrentOrders != nil {
			status["orders"] = s.sources.CurrentOrders()
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
