package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hermes-proxy/anon-relay/internal/bus"
	"github.com/hermes-proxy/anon-relay/internal/config"
	"github.com/hermes-proxy/anon-relay/internal/relay"
	"github.com/hermes-proxy/anon-relay/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// healthService is the gRPC service name reported alongside the overall status.
const healthService = "anonrelay.Relay"

const probeInterval = 5 * time.Second

// Bus is the gateway connection the node consumes from and publishes to.
type Bus interface {
	bus.Publisher
	bus.Subscriber
	IsConnected() bool
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NodeServer wires dependencies and hosts the relay.
type NodeServer struct {
	cfg        config.Config
	log        *zap.Logger
	store      storage.Store
	bus        Bus
	grpcServer *grpc.Server
	health     *health.Server
	adminHTTP  *http.Server
	metrics    *nodeMetrics
	ready      atomic.Bool
}

// NewNodeServer constructs a server with its dependencies.
func NewNodeServer(cfg config.Config, logger *zap.Logger, store storage.Store, b Bus) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{
		cfg:   cfg,
		log:   logger,
		store: store,
		bus:   b,
	}
}

// Start listens on the configured gRPC address and blocks until shutdown.
func (s *NodeServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPC.Address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the relay on lis until ctx is cancelled.
func (s *NodeServer) Serve(ctx context.Context, lis net.Listener) error {
	if s.store == nil || s.bus == nil {
		return errors.New("store and bus are required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newNodeMetrics(reg)

	transport := bus.NewTransport(s.bus, s.cfg.Bus.OutboundPrefix, s.cfg.Bus.RequestTimeout, s.log.Named("bus"))
	router, err := relay.NewRouter(relay.RouterConfig{
		Log:        s.log.Named("relay"),
		Store:      s.store,
		Transport:  transport,
		OperatorID: s.cfg.OperatorID,
		Metrics:    relay.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	consumer := bus.NewConsumer(s.bus, bus.ConsumerOptions{
		Subject:   s.cfg.Bus.InboundSubject,
		Workers:   s.cfg.Bus.Workers,
		QueueSize: s.cfg.Bus.QueueSize,
		Registry:  reg,
	}, s.log.Named("consumer"))

	s.startAdminServer(reg)

	keepaliveTime := s.cfg.GRPC.KeepaliveTime
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:              keepaliveTime,
			Timeout:           s.cfg.GRPC.KeepaliveTimeout,
			MaxConnectionIdle: s.cfg.GRPC.MaxConnectionIdle,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.ready.Store(true)
	s.probe(ctx)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx, router)
	}()
	go s.probeLoop(ctx)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
	err = s.grpcServer.Serve(lis)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}
	if cerr := <-consumerDone; cerr != nil {
		return fmt.Errorf("consume updates: %w", cerr)
	}
	return nil
}

// checkReady probes the bus and the store.
func (s *NodeServer) checkReady(ctx context.Context) error {
	if !s.ready.Load() {
		return errors.New("not started")
	}
	var busErr error
	if !s.bus.IsConnected() {
		busErr = errors.New("bus disconnected")
	}
	s.metrics.recordCheck("bus", busErr)
	if busErr != nil {
		return busErr
	}
	if p, ok := s.store.(Pinger); ok {
		err := p.Ping(ctx)
		s.metrics.recordCheck("store", err)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return nil
}

func (s *NodeServer) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeInterval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	err := s.checkReady(probeCtx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.Warn("readiness probe failed", zap.Error(err))
	}
	s.metrics.setReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(healthService, status)
}

func (s *NodeServer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *NodeServer) adminHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.checkReady(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not_ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func (s *NodeServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.adminHandler(reg),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.health != nil {
		s.health.Shutdown()
	}

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
}
