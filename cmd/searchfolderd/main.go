package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/searchfolder/internal/config"
	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
	natspubsub "github.com/syntrixbase/searchfolder/internal/core/pubsub/nats"
	"github.com/syntrixbase/searchfolder/internal/logging"
	"github.com/syntrixbase/searchfolder/internal/search/engine"
	"github.com/syntrixbase/searchfolder/internal/search/ingest"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/notify"
	objectspg "github.com/syntrixbase/searchfolder/internal/search/objects/postgres"
	storepg "github.com/syntrixbase/searchfolder/internal/search/store/postgres"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config", "configs", "directory holding config.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()

	if err := run(cfg, slog.Default()); err != nil {
		slog.Error("searchfolderd exited with error", "error", err)
		logging.Shutdown()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("searchfolderd starting")

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if cfg.Database.EnsureSchema {
		if err := storepg.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}

	var m metrics.Metrics = metrics.NoopMetrics{}
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewDBStatsCollector(db, "searchfolder"),
		)
		pm, err := metrics.NewPrometheus(reg)
		if err != nil {
			return err
		}
		m = pm

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	var notifier types.Notifier = types.NoopNotifier{}
	var provider *natspubsub.Provider
	if cfg.NATS.Enabled() {
		provider = natspubsub.NewProvider(cfg.NATS.URL, cfg.NATS.ClientName)
		connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
		err := provider.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer provider.Close()

		if cfg.NATS.Notify.Enabled {
			pub, err := provider.NewPublisher(pubsub.PublisherOptions{
				StreamName:    cfg.NATS.Notify.Stream,
				RetryAttempts: 2,
				Storage:       pubsub.MemoryStorage,
			})
			if err != nil {
				return err
			}
			defer pub.Close()
			notifier = notify.NewPublisher(pub, logger)
		}
	}

	eng, err := engine.New(cfg.Search, engine.Deps{
		Store:    storepg.NewStore(db, storepg.WithLockTimeout(cfg.Database.LockTimeout)),
		Objects:  objectspg.NewObjectService(db, logger),
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	if err := eng.LoadAll(ctx); err != nil {
		stopEngine(eng, logger)
		return err
	}
	logger.Info("searchfolderd started", "active_searches", eng.ActiveSearches())

	g, gctx := errgroup.WithContext(ctx)

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if provider != nil && cfg.NATS.Ingest.Enabled {
		source, err := provider.NewConsumer(pubsub.ConsumerOptions{
			StreamName:     cfg.NATS.Ingest.Stream,
			ConsumerName:   cfg.NATS.Ingest.Consumer,
			ChannelBufSize: cfg.Search.UpdateBatchSize,
			Storage:        pubsub.FileStorage,
		})
		if err != nil {
			stopEngine(eng, logger)
			return err
		}
		consumer := ingest.NewConsumer(source, eng, logger)
		consumer.BatchSize = cfg.Search.UpdateBatchSize
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if metricsServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopEngine(eng, logger)
	logger.Info("searchfolderd stopped")
	return err
}

func stopEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		logger.Error("failed to stop search engine", "error", err)
	}
}
