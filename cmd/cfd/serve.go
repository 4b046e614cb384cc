package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/alfredjeanlab/changefeed/internal/config"
	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/fanout"
	"github.com/alfredjeanlab/changefeed/internal/gateway"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/registry"
	"github.com/alfredjeanlab/changefeed/internal/server"
	"github.com/alfredjeanlab/changefeed/internal/snapshot"
	"github.com/alfredjeanlab/changefeed/internal/store"
	"github.com/alfredjeanlab/changefeed/internal/store/memory"
	"github.com/alfredjeanlab/changefeed/internal/store/postgres"
	"github.com/alfredjeanlab/changefeed/internal/store/sqlite"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// fanoutConsumer is the durable JetStream consumer the fan-out worker reads.
const fanoutConsumer = "fanout"

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the changefeed service",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a client.
	PersistentPreRunE: noClient,
	Args:              cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return svc.run(ctx)
	},
}

// newLogger builds the root logger. Unknown levels fall back to info.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// service is one running changefeed process.
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	closers   []func() error
	publisher events.Publisher

	reg       *registry.Registry
	gw        *gateway.Gateway
	source    stream.Source
	relay     *stream.Relay
	worker    *fanout.Worker
	scheduler *snapshot.Scheduler

	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
}

// newService opens the store, the bus and both listeners. On error anything
// already opened is closed.
func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *service, err error) {
	s := &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	st, notifier, err := openStore(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, st.Close)
	if l, ok := notifier.(*postgres.Listener); ok {
		s.closers = append(s.closers, l.Close)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats: disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info("nats: reconnected")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATSURL, err)
		}
		s.closers = append(s.closers, func() error { nc.Close(); return nil })
		s.publisher = events.NewNATSPublisherConn(nc)
		logger.Info("events enabled", "nats_url", cfg.NATSURL)
	} else {
		s.publisher = &events.NoopPublisher{}
		logger.Info("events disabled (CHANGEFEED_NATS_URL not set)")
	}

	collector := metrics.NewCollector()
	promReg, err := metrics.NewRegistry(collector)
	if err != nil {
		return nil, err
	}

	records := server.NewRecords(st, s.publisher, collector, logger)
	s.reg = registry.New()
	s.gw = gateway.New(s.reg, gateway.Options{
		Publisher:   s.publisher,
		Writer:      records,
		PushTimeout: cfg.PushTimeout,
		Logger:      logger,
	})

	switch cfg.StreamBackend {
	case config.BackendJetStream:
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		if _, err := stream.EnsureStream(ctx, js, stream.StreamConfig{}); err != nil {
			return nil, err
		}
		s.relay = stream.NewRelay(st, st, js, stream.RelayOptions{
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			Notifier:     notifier,
			Logger:       logger,
		})
		s.source, err = stream.NewJetStreamSource(ctx, js, stream.JetStreamOptions{
			Position:  cfg.StartingPosition,
			BatchSize: cfg.BatchSize,
			Durable:   fanoutConsumer,
			Log:       st,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	default:
		s.source, err = stream.NewLogSource(ctx, st, stream.LogOptions{
			Position:     cfg.StartingPosition,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			Notifier:     notifier,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}

	s.worker = fanout.New(s.source, s.reg, s.gw, fanout.Options{
		RetryCeiling:     cfg.PushRetryCeiling,
		Backoff:          cfg.PushBackoff,
		MaxBackoff:       cfg.PushMaxBackoff,
		Concurrency:      cfg.FanoutConcurrency,
		LagWarnThreshold: cfg.LagWarnThreshold,
		Publisher:        s.publisher,
		Metrics:          collector,
		Logger:           logger,
	})

	if cfg.SnapshotEnabled() {
		dests, err := snapshotDestinations(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.scheduler = snapshot.NewScheduler(st, dests, cfg.SnapshotInterval, logger)
	}

	srv := server.New(records, s.gw, server.Options{
		MetricsHandler: metrics.Handler(promReg),
		Logger:         logger,
	})
	s.httpServer = &http.Server{
		Handler:           srv.NewHTTPHandler(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.httpLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}

	if cfg.GRPCAddr != "" {
		s.grpcServer = server.NewGRPCServer(records, cfg.AuthToken)
		if s.grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return nil, fmt.Errorf("grpc listen: %w", err)
		}
	}
	return s, nil
}

// openStore selects the record store by URL scheme. The notifier is the
// store itself, or a LISTEN connection for Postgres; it is nil when Postgres
// notifications are unavailable and tailers poll instead.
func openStore(databaseURL string, logger *slog.Logger) (store.Store, store.Notifier, error) {
	switch config.DatabaseScheme(databaseURL) {
	case "postgres", "postgresql":
		st, err := postgres.New(databaseURL)
		if err != nil {
			return nil, nil, err
		}
		l, err := postgres.NewListener(databaseURL, logger)
		if err != nil {
			logger.Warn("postgres notifications unavailable, polling", "err", err)
			return st, nil, nil
		}
		return st, l, nil
	case "sqlite":
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		st, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "memory":
		st := memory.New()
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database URL scheme in %q", databaseURL)
	}
}

func snapshotDestinations(ctx context.Context, cfg *config.Config) ([]snapshot.Destination, error) {
	var dests []snapshot.Destination
	if cfg.SnapshotS3Bucket != "" {
		d, err := snapshot.NewS3Destination(ctx,
			cfg.SnapshotS3Bucket,
			cfg.SnapshotS3Key,
			cfg.SnapshotS3Region,
			cfg.SnapshotS3Endpoint,
		)
		if err != nil {
			return nil, fmt.Errorf("snapshot S3 destination: %w", err)
		}
		dests = append(dests, d)
	}
	if cfg.SnapshotFile != "" {
		dests = append(dests, snapshot.NewFileDestination(cfg.SnapshotFile))
	}
	return dests, nil
}

// httpAddr is the address the HTTP listener is bound to.
func (s *service) httpAddr() string { return s.httpLis.Addr().String() }

// grpcAddr is the bound gRPC address, or "" when gRPC is disabled.
func (s *service) grpcAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// run serves until ctx ends or a component fails, then shuts down: the
// worker finishes its batch, connections are closed, and the store closes
// last.
func (s *service) run(ctx context.Context) error {
	defer s.close()

	if s.cfg.StaleThreshold > 0 {
		s.reg.StartReaper(&registry.ReaperConfig{
			StaleThreshold: s.cfg.StaleThreshold,
			OnStale: func(id string) {
				s.gw.Close(id, "stale")
			},
		})
		defer s.reg.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Start()
		defer s.scheduler.Stop()
		s.logger.Info("snapshot scheduler started", "interval", s.cfg.SnapshotInterval)
	}

	g, gctx := errgroup.WithContext(ctx)

	workerDone := make(chan struct{})
	g.Go(func() error {
		defer close(workerDone)
		return s.worker.Run(gctx)
	})
	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(gctx) })
	}
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", s.httpAddr())
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("gRPC server listening", "addr", s.grpcAddr())
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		// Deliveries in flight complete before their connections close.
		<-workerDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.gw.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("gateway shutdown error", "err", err)
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "err", err)
		}
		s.logger.Info("HTTP server stopped")
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
			s.logger.Info("gRPC server stopped")
		}
		return nil
	})

	s.logger.Info("changefeed server started",
		"http_addr", s.httpAddr(),
		"grpc_addr", s.grpcAddr(),
		"stream_backend", s.cfg.StreamBackend,
		"starting_position", s.cfg.StartingPosition,
	)

	err := g.Wait()
	s.logger.Info("shutdown complete")
	return err
}

// close releases everything newService opened, in reverse order.
func (s *service) close() {
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Error("error closing stream source", "err", err)
		}
	}
	for _, l := range []net.Listener{s.httpLis, s.grpcLis} {
		if l != nil {
			l.Close()
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("error closing publisher", "err", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("error closing", "err", err)
		}
	}
	s.closers = nil
}
