// Package httpsrv serves the read-only status API: pipeline health,
// source inventory, recent failover and decode events, and the
// Prometheus exposition endpoint. Nothing here mutates pipeline state;
// control stays with the process that owns the manager.
package httpsrv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	glog "github.com/labstack/gommon/log"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/health"
	"github.com/easwatch/easwatch/internal/logging"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

var webLogger *slog.Logger

func init() {
	webLogger = logging.ForService("httpsrv")
	if webLogger == nil {
		// Fallback to default slog if logging not initialized
		webLogger = slog.Default().With("service", "httpsrv")
	}
}

const shutdownTimeout = 5 * time.Second

// ManagerSource is the read side of the source manager.
type ManagerSource interface {
	Snapshot() source.ManagerSnapshot
}

// DecoderSource is the read side of the decoder. Nil means decoding is
// disabled and the decode endpoints serve empty results.
type DecoderSource interface {
	Metrics() samedec.Metrics
	History() []samedec.Event
}

// HealthSource is the read side of the health monitor.
type HealthSource interface {
	Snapshot() health.Report
}

// Server wraps the echo instance and the pipeline views it serves.
type Server struct {
	echo    *echo.Echo
	addr    string
	manager ManagerSource
	decoder DecoderSource
	health  HealthSource
	logger  *slog.Logger
	started time.Time
}

// New builds the server and registers all routes. metricsHandler serves
// GET /metrics and may be nil to disable the exposition endpoint.
func New(cfg *conf.HTTPSettings, mgr ManagerSource, dec DecoderSource, hs HealthSource, metricsHandler http.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(io.Discard)
	e.Logger.SetLevel(glog.OFF)

	s := &Server{
		echo:    e,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		manager: mgr,
		decoder: dec,
		health:  hs,
		logger:  webLogger,
		started: time.Now(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Gzip())
	e.Use(s.requestLogger())
	s.initRoutes(metricsHandler)
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.addr)
	}()
	s.logger.Info("status API listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status API shutdown error", "error", err)
		}
		// Start returns http.ErrServerClosed once the listener is down.
		<-errCh
		s.logger.Info("status API stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("httpsrv").
			Category(errors.CategoryNetwork).
			Context("addr", s.addr).
			Build()
	}
}

// ListenerAddr reports the bound address once the listener is up, or nil
// before that. Useful when the configured port is 0.
func (s *Server) ListenerAddr() net.Addr {
	return s.echo.ListenerAddr()
}

// requestLogger records each request at debug level.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Debug("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"elapsed", time.Since(start))
			return err
		}
	}
}
