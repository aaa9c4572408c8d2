// Meshwork Node — узел mesh: worker, orchestrator и HTTP API в одном процессе.
//
// Node:
//   - Подключает общее хранилище (memory, NATS JetStream KV или PostgreSQL)
//   - Подключает транспорт топиков (memory, NATS или RabbitMQ)
//   - Запускает worker для one_shot задач
//   - Запускает orchestrator: цепочки, stream-задачи, sweeper
//   - Отдаёт API, /healthz и /metrics
//
// Узлы масштабируются горизонтально поверх общего хранилища.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Meshwork/internal/api"
	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/config"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/orchestrator"
	"github.com/shaiso/Meshwork/internal/registry"
	"github.com/shaiso/Meshwork/internal/results"
	"github.com/shaiso/Meshwork/internal/stream"
	"github.com/shaiso/Meshwork/internal/telemetry"
	"github.com/shaiso/Meshwork/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to meshwork.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		telemetry.SetupLogger(telemetry.LogConfig{}).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	logger.Info("starting meshwork-node",
		"store", cfg.Store.Driver,
		"transport", cfg.Transport.Driver,
		"worker", cfg.Node.Worker,
		"orchestrator", cfg.Node.Orchestrator,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	// Транспорт
	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open transport", "driver", cfg.Transport.Driver, "error", err)
		os.Exit(1)
	}
	defer bus.Close()
	logger.Info("transport ready", "driver", cfg.Transport.Driver)

	// Ядро mesh
	reg := registry.New(registry.Config{
		Liveness: cfg.Tasks.Liveness,
		Logger:   logger,
	})
	arb := claim.New(claim.Config{Store: store, Logger: logger})
	tracker := lifecycle.New(lifecycle.Config{
		Store:        store,
		MaxRetries:   cfg.Tasks.MaxRetries,
		PollInterval: cfg.Tasks.PollInterval,
		Logger:       logger,
	})
	publisher := results.New(results.Config{
		Store:     store,
		Bus:       bus,
		CacheSize: cfg.Cache.Size,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    logger,
	})

	// Worker
	var w *worker.Worker
	if cfg.Node.Worker {
		w = worker.New(worker.Config{
			ID:                cfg.Node.ID,
			Capabilities:      cfg.Node.Capabilities,
			Store:             store,
			Registry:          reg,
			Arbitrator:        arb,
			Tracker:           tracker,
			Results:           publisher,
			Lease:             cfg.Tasks.Lease,
			PollInterval:      cfg.Tasks.PollInterval,
			HeartbeatInterval: cfg.Tasks.HeartbeatInterval,
			Concurrency:       cfg.Node.Concurrency,
			Logger:            logger,
		})
		if err := w.Start(ctx); err != nil {
			logger.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	// Orchestrator + stream engine
	var (
		orch    *orchestrator.Orchestrator
		streams *stream.Engine
	)
	if cfg.Node.Orchestrator {
		streams = stream.New(stream.Config{Subscriber: bus, Logger: logger})
		orch = orchestrator.New(orchestrator.Config{
			ID:               cfg.Node.ID,
			Store:            store,
			Registry:         reg,
			Arbitrator:       arb,
			Tracker:          tracker,
			Results:          publisher,
			Streams:          streams,
			Lease:            cfg.Tasks.Lease,
			PollInterval:     cfg.Tasks.PollInterval,
			AdmissionTimeout: cfg.Tasks.AdmissionTimeout,
			Logger:           logger,
		})
		if err := orch.Start(ctx); err != nil {
			logger.Error("failed to start orchestrator", "error", err)
			os.Exit(1)
		}
	}

	// HTTP: API (если есть orchestrator) + /healthz + /metrics
	var handler http.Handler
	if orch != nil {
		handler = api.NewHandler(api.Config{Service: orch, Logger: logger}).Router()
	} else {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		handler = mux
	}

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
				cancel()
			}
		}()
	}

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down meshwork-node")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		shutdownCancel()
	}
	if orch != nil {
		orch.Stop()
		streams.Stop()
	}
	if w != nil {
		w.Stop()
	}
	logger.Info("meshwork-node stopped")
}
