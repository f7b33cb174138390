package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cohortnet/node/config"
	"github.com/cohortnet/node/coordinator"
	"github.com/cohortnet/node/cryptor"
	"github.com/cohortnet/node/internal/metrics"
	"github.com/cohortnet/node/internal/server"
	"github.com/cohortnet/node/netiso"
	"github.com/cohortnet/node/node"
	"github.com/cohortnet/node/proxy"
	"github.com/cohortnet/node/runtime"
	"github.com/cohortnet/node/session"
)

// Server wires the node together and owns its lifecycle.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	rt       runtime.ContainerRuntime
	services *node.Services
	squid    *netiso.Squid
	tunnels  []*netiso.Tunnel

	proxyManager   *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
}

// NewServer builds every component from the config. Nothing is started
// yet.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("cohortnode", registry, logger)

	var crypt cryptor.Cryptor
	if cfg.Encryption.Enabled {
		rsaCrypt, err := cryptor.NewRSACryptor(cfg.Encryption.PrivateKeyPath, logger)
		if err != nil {
			return nil, err
		}
		crypt = rsaCrypt
	} else {
		crypt = cryptor.NewNopCryptor(logger)
	}

	client, err := coordinator.NewClient(coordinator.Config{
		BaseURL: cfg.Coordinator.URL,
		Token:   cfg.Coordinator.Token,
		Retries: cfg.Coordinator.Retries,
		Timeout: cfg.Coordinator.Timeout,
	}, collector, logger)
	if err != nil {
		return nil, err
	}

	rt := runtime.NewDockerRuntime(logger)
	orch, err := runtime.NewOrchestrator(runtime.Config{
		NodeName:      cfg.Node.Name,
		TasksRoot:     cfg.Runtime.TasksRoot,
		NetworkName:   cfg.NetworkName(),
		APIEndpoint:   proxyEndpoint(cfg),
		AllowedImages: cfg.Runtime.AllowedImages,
		PollInterval:  cfg.Runtime.PollInterval,
	}, rt, collector, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewIO(cfg.Runtime.TasksRoot, client, collector, logger)
	secret := []byte(cfg.Node.TokenSecret)
	services := node.NewServices(cfg.Node.Name, secret, crypt, orch, sessions, client, logger)
	services.Databases = cfg.Runtime.Databases

	proxySrv := proxy.NewServer(proxy.Config{
		ListenAddr: cfg.Proxy.ListenAddr,
		RateLimit:  cfg.Proxy.RateLimit,
		Burst:      cfg.Proxy.Burst,
	}, client, crypt, secret, collector, logger)

	proxyCfg := server.DefaultConfig()
	proxyCfg.Addr = cfg.Proxy.ListenAddr
	proxyManager := server.NewManager(proxySrv.Handler(), proxyCfg, logger)

	var metricsManager *server.Manager
	if cfg.Proxy.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"healthy"}`)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsCfg := server.DefaultConfig()
		metricsCfg.Addr = cfg.Proxy.MetricsAddr
		metricsManager = server.NewManager(mux, metricsCfg, logger)
	}

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		rt:             rt,
		services:       services,
		proxyManager:   proxyManager,
		metricsManager: metricsManager,
	}

	if cfg.Whitelist.Enabled() {
		confDir := filepath.Join(cfg.Runtime.TasksRoot, "squid")
		s.squid = netiso.NewSquid(cfg.Whitelist, rt, confDir, logger)
	}
	for _, tc := range cfg.Tunnels {
		tunnel, err := netiso.NewTunnel(tc, logger)
		if err != nil {
			return nil, err
		}
		s.tunnels = append(s.tunnels, tunnel)
	}

	return s, nil
}

// Start brings the node up: the isolated network, the egress sidecars,
// the run lifecycle loops, and the HTTP listeners.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.rt.CreateNetwork(ctx, s.cfg.NetworkName(), true); err != nil {
		return fmt.Errorf("cannot create isolated network: %w", err)
	}
	if s.squid != nil {
		if err := s.squid.Start(ctx, s.cfg.Node.Name, s.cfg.NetworkName()); err != nil {
			return err
		}
	}
	for _, tunnel := range s.tunnels {
		if err := tunnel.Start(ctx); err != nil {
			return err
		}
	}

	s.services.Start(ctx)

	if err := s.proxyManager.Start(); err != nil {
		return err
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Start(); err != nil {
			return err
		}
	}
	s.logger.Info("node started",
		zap.String("proxy_addr", s.cfg.Proxy.ListenAddr),
		zap.String("network", s.cfg.NetworkName()))
	return nil
}

// WaitForShutdown blocks until a signal or listener failure, then tears
// the node down.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.proxyManager.Errors():
		s.logger.Error("proxy listener failed", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown stops the loops, removes tracked containers and sidecars,
// tears down the isolated network, and closes the listeners. The
// network goes last: docker refuses to remove it while the squid
// sidecar or an algorithm container is still attached.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}
	s.services.Shutdown(ctx)

	if s.squid != nil {
		s.squid.Stop(ctx)
	}
	for _, tunnel := range s.tunnels {
		tunnel.Close()
	}
	if err := s.rt.RemoveNetwork(ctx, s.cfg.NetworkName()); err != nil {
		s.logger.Warn("isolated network teardown failed",
			zap.String("network", s.cfg.NetworkName()), zap.Error(err))
	}

	s.proxyManager.Shutdown(ctx)
	if s.metricsManager != nil {
		s.metricsManager.Shutdown(ctx)
	}
}

// proxyEndpoint is the relay URL handed to algorithm containers. On the
// isolated network the node is reachable by its name.
func proxyEndpoint(cfg *config.Config) string {
	_, port, err := net.SplitHostPort(cfg.Proxy.ListenAddr)
	if err != nil {
		port = "4567"
	}
	return fmt.Sprintf("http://%s:%s", cfg.Node.Name, port)
}
