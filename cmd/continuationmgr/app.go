package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AltairaLabs/continuation-manager/internal/allconnect"
	"github.com/AltairaLabs/continuation-manager/internal/binding"
	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/continuationmgr"
	"github.com/AltairaLabs/continuation-manager/internal/dcontinue"
	"github.com/AltairaLabs/continuation-manager/internal/device"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/metrics"
	"github.com/AltairaLabs/continuation-manager/internal/storage"
	"github.com/AltairaLabs/continuation-manager/internal/storage/memory"
	"github.com/AltairaLabs/continuation-manager/internal/storage/redis"
	"github.com/AltairaLabs/continuation-manager/internal/transport"
)

// app is the wired process: the facade behind the gRPC transport, the MCP
// binding linked to it, and the hosted devices running continuations
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store     storage.ParameterStore
	collector *metrics.Collector
	service   *continuationmgr.Service
	broker    *allconnect.LocalBroker
	arbiter   *allconnect.Manager
	local     *device.Node
	peers     []*device.Node

	lis       net.Listener
	grpc      *grpc.Server
	transport *transport.Server
	conn      *grpc.ClientConn
	client    *transport.Client
	binding   *binding.Server
	metrics   *http.Server
}

func newStore(cfg config.StorageConfig) (storage.ParameterStore, error) {
	switch cfg.Backend {
	case config.StorageRedis:
		return redis.NewParameterStore(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	default:
		return memory.NewInMemoryParameterStore(), nil
	}
}

// newApp builds every component and opens the gRPC listener. Nothing is
// served until run.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, collector: metrics.NewCollector()}
	built := false
	defer func() {
		if !built {
			a.close(context.Background())
		}
	}()

	var err error
	if a.store, err = newStore(cfg.Storage); err != nil {
		return nil, fmt.Errorf("open parameter store: %w", err)
	}

	a.broker = allconnect.NewLocalBroker(nil, logger)
	a.arbiter = allconnect.NewManager(allconnect.Options{
		Config:   cfg.Arbiter,
		Loader:   allconnect.StaticLoader(a.broker),
		Observer: a.collector,
		OnPeerStop: func(peer string) {
			if a.local != nil {
				a.local.Manager.OnPeerStop(peer)
			}
		},
		Logger: logger,
	})
	if err = a.arbiter.Init(ctx); err != nil {
		return nil, fmt.Errorf("init arbiter: %w", err)
	}

	network := dcontinue.NewNetwork()
	deps := dcontinue.Dependencies{
		Arbiter:       a.arbiter,
		Observer:      a.collector,
		QueueObserver: a.collector.ObserveTask,
		Config:        cfg.Continue,
		Logger:        logger,
	}
	a.local = device.NewNode(cfg.Device, network, deps)
	for _, peer := range cfg.Peers {
		// peers arbitrate nothing; only the local device owns the broker
		peerDeps := deps
		peerDeps.Arbiter = nil
		a.peers = append(a.peers, device.NewNode(peer, network, peerDeps))
	}

	a.service = continuationmgr.NewService(cfg.Service, continuationmgr.Dependencies{
		Store:         a.store,
		Connector:     continuationmgr.NewStaticAbilityConnector(),
		Tokens:        a.local.Host,
		Metrics:       a.collector,
		QueueObserver: a.collector.ObserveTask,
		Logger:        logger,
	})
	if err = a.service.OnStart(ctx); err != nil {
		return nil, fmt.Errorf("start continuation manager: %w", err)
	}

	listenConfig := net.ListenConfig{}
	if a.lis, err = listenConfig.Listen(ctx, "tcp", ":"+cfg.Transport.GRPCPort); err != nil {
		return nil, fmt.Errorf("listen on port %s: %w", cfg.Transport.GRPCPort, err)
	}
	stub := continuationmgr.NewStub(a.service, a.local.Checker, logger)
	a.transport = transport.NewServer(continuationmgr.ServiceInterfaceToken, stub, cfg.Transport, logger)
	a.grpc = grpc.NewServer()
	a.transport.Register(a.grpc)

	a.conn, err = grpc.NewClient(a.lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial binder transport: %w", err)
	}
	a.client = transport.NewClient(a.conn, ipc.CallerIdentity{
		TokenID: cfg.Binding.CallerToken,
		UID:     cfg.Binding.CallerUID,
	}, logger)
	proxy := continuationmgr.NewProxy(a.client.Service(continuationmgr.ServiceInterfaceToken))
	a.binding = binding.NewServer(cfg.Binding, proxy, logger)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.collector.Handler())
		a.metrics = &http.Server{
			Addr:              ":" + cfg.Metrics.Port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	built = true
	return a, nil
}

// run serves until ctx is done or a server fails, then shuts down. When
// serveBinding is set the MCP binding runs too and its end stops the
// process.
func (a *app) run(ctx context.Context, serveBinding bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down gracefully")
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Transport.ShutdownTimeout)
		defer done()
		a.close(shutdownCtx)
		return nil
	})

	g.Go(func() error {
		a.logger.Info("Starting gRPC binder transport", "address", a.lis.Addr().String())
		if err := a.grpc.Serve(a.lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if err := a.client.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("link binding: %w", err)
	}

	if a.metrics != nil {
		g.Go(func() error {
			a.logger.Info("Starting metrics server", "address", a.metrics.Addr)
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if serveBinding {
		if a.cfg.Binding.HTTPMode {
			g.Go(func() error {
				return a.binding.ServeHTTP(":" + a.cfg.Binding.HTTPPort)
			})
		} else {
			// stdio cannot be interrupted, so it runs outside the group
			go func() {
				if err := a.binding.Serve(); err != nil {
					a.logger.Error("MCP binding error", "error", err)
				}
				a.logger.Info("MCP binding input closed")
				cancel()
			}()
		}
	}

	return g.Wait()
}

// close releases everything newApp built, in reverse order. It tolerates a
// partially built app.
func (a *app) close(ctx context.Context) {
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if a.binding != nil {
		if err := a.binding.Shutdown(ctx); err != nil {
			a.logger.Warn("MCP binding shutdown failed", "error", err)
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	if a.transport != nil {
		a.transport.Close()
	}
	if a.grpc != nil {
		a.stopGRPC(ctx)
	}
	if a.lis != nil {
		// already closed when the server was serving
		_ = a.lis.Close()
	}
	for _, n := range append([]*device.Node{a.local}, a.peers...) {
		if n == nil {
			continue
		}
		if err := n.Manager.Close(ctx); err != nil {
			a.logger.Warn("Continue sessions did not end", "device", n.ID(), "error", err)
		}
	}
	if a.arbiter != nil && a.arbiter.Initialized() {
		if err := a.arbiter.Uninit(); err != nil {
			a.logger.Warn("Arbiter uninit failed", "error", err)
		}
	}
	if a.broker != nil {
		a.broker.Wait()
	}
	if a.service != nil {
		a.service.OnStop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Parameter store close failed", "error", err)
		}
	}
	a.logger.Info("Continuation manager shutdown complete")
}

// stopGRPC stops gracefully, forcing the stop once ctx expires
func (a *app) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		a.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Graceful shutdown timeout, forcing stop")
		a.grpc.Stop()
		<-stopped
	}
}
