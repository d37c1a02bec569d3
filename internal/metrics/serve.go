package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the exporter over HTTP.
type Server struct {
	addr     string
	engine   *gin.Engine
	exporter *Exporter
	logger   logging.Logger
}

func NewServer(addr string, exporter *Exporter, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:     addr,
		engine:   gin.New(),
		exporter: exporter,
		logger:   logger,
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/hello", func(c *gin.Context) {
		c.String(http.StatusOK, "hello")
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.exporter.Registry(), promhttp.HandlerOpts{})))
	s.engine.GET("/results", s.latestResults)
}

func (s *Server) latestResults(c *gin.Context) {
	rec, ok := s.exporter.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run completed yet"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("serving metrics on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "metrics server on %s", s.addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown metrics server")
		}
		return nil
	}
}
