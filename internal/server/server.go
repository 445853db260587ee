package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ramazulay/email-relay/internal/config"
	"golang.org/x/sync/errgroup"
)

// RouteFunc installs a process's routes on its API router.
type RouteFunc func(r *gin.Engine)

type Server struct {
	ipv4Server        *http.Server
	ipv6Server        *http.Server
	metricsIPV4Server *http.Server
	metricsIPV6Server *http.Server
	stopped           atomic.Bool
	config            *config.HTTP
}

const defTimeout = 5 * time.Second

// NewRouter builds the API router with the shared middleware and routes.
func NewRouter(config *config.HTTP, routes RouteFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if config.PProf.Enabled {
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	if config.PProf.Enabled {
		pprof.Register(r)
	}

	applyMiddleware(r, config, "api")
	routes(r)
	return r
}

func NewServer(config *config.HTTP, routes RouteFunc) *Server {
	r := NewRouter(config, routes)

	writeTimeout := defTimeout
	if config.PProf.Enabled {
		writeTimeout = 60 * time.Second
	}

	var metricsIPV4Server *http.Server
	var metricsIPV6Server *http.Server

	if config.Metrics.Enabled {
		metricsRouter := gin.New()
		applyMiddleware(metricsRouter, config, "metrics")

		metricsRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
		metricsIPV4Server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.Metrics.IPV4Host, config.Metrics.Port),
			ReadHeaderTimeout: defTimeout,
			WriteTimeout:      defTimeout,
			Handler:           metricsRouter,
		}
		metricsIPV6Server = &http.Server{
			Addr:              fmt.Sprintf("[%s]:%d", config.Metrics.IPV6Host, config.Metrics.Port),
			ReadHeaderTimeout: defTimeout,
			WriteTimeout:      defTimeout,
			Handler:           metricsRouter,
		}
	}

	return &Server{
		ipv4Server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.IPV4Host, config.Port),
			ReadHeaderTimeout: defTimeout,
			WriteTimeout:      writeTimeout,
			Handler:           r,
		},
		ipv6Server: &http.Server{
			Addr:              fmt.Sprintf("[%s]:%d", config.IPV6Host, config.Port),
			ReadHeaderTimeout: defTimeout,
			WriteTimeout:      writeTimeout,
			Handler:           r,
		},
		metricsIPV4Server: metricsIPV4Server,
		metricsIPV6Server: metricsIPV6Server,
		config:            config,
	}
}

// Start binds every listener before returning, so a port conflict is
// reported to the caller.
func (s *Server) Start() error {
	if err := s.serve("HTTP IPv4", "tcp4", s.ipv4Server); err != nil {
		return err
	}
	if err := s.serve("HTTP IPv6", "tcp6", s.ipv6Server); err != nil {
		return err
	}
	slog.Info("HTTP server started", "ipv4", s.config.IPV4Host, "ipv6", s.config.IPV6Host, "port", s.config.Port)

	if s.config.Metrics.Enabled {
		if err := s.serve("Metrics IPv4", "tcp4", s.metricsIPV4Server); err != nil {
			return err
		}
		if err := s.serve("Metrics IPv6", "tcp6", s.metricsIPV6Server); err != nil {
			return err
		}
		slog.Info("Metrics server started", "ipv4", s.config.Metrics.IPV4Host, "ipv6", s.config.Metrics.IPV6Host, "port", s.config.Metrics.Port)
	}
	return nil
}

func (s *Server) serve(name, network string, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	listener, err := net.Listen(network, srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !s.stopped.Load() {
			slog.Error(name+" server error", "error", err.Error())
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.stopped.Store(true)

	errGrp := errgroup.Group{}
	for _, srv := range []*http.Server{s.ipv4Server, s.ipv6Server, s.metricsIPV4Server, s.metricsIPV6Server} {
		srv := srv
		if srv == nil {
			continue
		}
		errGrp.Go(func() error {
			return srv.Shutdown(ctx)
		})
	}

	return errGrp.Wait()
}
