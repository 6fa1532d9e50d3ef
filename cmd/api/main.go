// Package main implements the Wessley companion API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/wessley-companion/engine/backend"
	"github.com/WessleyAI/wessley-companion/engine/dispatch"
	"github.com/WessleyAI/wessley-companion/engine/garage"
	"github.com/WessleyAI/wessley-companion/engine/history"
	"github.com/WessleyAI/wessley-companion/engine/manual"
	"github.com/WessleyAI/wessley-companion/engine/semantic"
	"github.com/WessleyAI/wessley-companion/pkg/blob"
	"github.com/WessleyAI/wessley-companion/pkg/config"
	"github.com/WessleyAI/wessley-companion/pkg/metrics"
	"github.com/WessleyAI/wessley-companion/pkg/repo"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", cfg.Service.Name)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, cleanup, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := newServer(cfg, d, logger)
	if d.nc != nil {
		sub, err := manual.NewTracker(d.manuals, logger).Subscribe(d.nc, cfg.Manual.StatusSubject)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Manual.StatusSubject, err)
		}
		defer sub.Unsubscribe()
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.AI.Timeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server starting", "addr", cfg.HTTP.Addr, "ai_transport", cfg.AI.Transport)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// deps are the adapters the server runs on. Every external store falls back
// to memory when it is not configured.
type deps struct {
	vehicles garage.Store
	manuals  manual.Store
	blobs    blob.Store
	vectors  *semantic.VectorStore
	history  history.Store
	backend  dispatch.Backend
	nc       *nats.Conn
	metrics  *metrics.Registry
	checks   map[string]func(context.Context) error
}

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*deps, func(), error) {
	d := &deps{metrics: metrics.New(), checks: make(map[string]func(context.Context) error)}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*deps, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// --- Neo4j ---
	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			return fail(fmt.Errorf("neo4j driver: %w", err))
		}
		closers = append(closers, func() { _ = driver.Close(context.Background()) })
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fail(fmt.Errorf("neo4j connect: %w", err))
		}
		open := repo.DriverSessions(driver, cfg.Neo4j.Database)
		d.vehicles = garage.NewNeo4jVehicles(open)
		d.manuals = garage.NewNeo4jManuals(open)
		d.checks["neo4j"] = driver.VerifyConnectivity
	} else {
		logger.Warn("NEO4J_URL not set, vehicles and manuals kept in memory")
		d.vehicles = garage.NewMemoryStore()
		d.manuals = manual.NewMemoryStore()
	}

	// --- MinIO ---
	if cfg.Minio.Endpoint != "" {
		store, err := blob.NewMinioStore(ctx, blob.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return fail(err)
		}
		d.blobs = store
	} else {
		logger.Warn("MINIO_ENDPOINT not set, manual files kept in memory")
		d.blobs = blob.NewMemoryStore()
	}

	// --- Qdrant ---
	if cfg.Qdrant.Addr != "" {
		vs, err := semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			return fail(fmt.Errorf("qdrant connect: %w", err))
		}
		closers = append(closers, func() { _ = vs.Close() })
		d.vectors = vs
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		rs := history.NewRedisStore(history.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Capacity: cfg.Query.HistoryEntries,
			Logger:   logger,
		})
		closers = append(closers, func() { _ = rs.Close() })
		if err := rs.Ping(ctx); err != nil {
			return fail(err)
		}
		d.history = rs
		d.checks["redis"] = rs.Ping
	} else {
		d.history = history.NewMemoryStore(cfg.Query.HistoryEntries)
	}

	// --- NATS ---
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			return fail(fmt.Errorf("nats connect: %w", err))
		}
		closers = append(closers, nc.Close)
		d.nc = nc
		d.checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}

	// --- AI backend ---
	guard := backend.NewGuard(backend.GuardOptions{
		Name:             "ai-backend",
		Timeout:          cfg.AI.Timeout,
		RatePerSecond:    cfg.AI.RatePerSecond,
		Burst:            cfg.AI.Burst,
		BreakerThreshold: cfg.AI.BreakerThreshold,
		BreakerCooldown:  cfg.AI.BreakerCooldown,
		Metrics:          d.metrics,
		Logger:           logger,
	})
	switch cfg.AI.Transport {
	case "nats":
		if d.nc == nil {
			return fail(errors.New("ai transport nats requires NATS_URL"))
		}
		d.backend = backend.NewNATS(d.nc, cfg.AI.SubjectPrefix, guard)
	default:
		d.backend = backend.NewHTTP(cfg.AI.BaseURL, cfg.AI.APIKey, nil, guard)
	}

	return d, cleanup, nil
}
