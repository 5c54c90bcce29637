// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mailbrief: Processing Worker
//
// Entry point for the queue consumer. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL, the object store and the AMQP broker
//  3. Consumes work items with bounded concurrency and runs the pipeline
//  4. Serves /health and /metrics
//  5. Stops consuming on SIGTERM/SIGINT and drains in-flight items
//
// Losing the broker connection ends the process; the supervisor restarts it.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailbrief/pipeline/internal/analysis"
	"github.com/mailbrief/pipeline/internal/config"
	"github.com/mailbrief/pipeline/internal/monitor"
	"github.com/mailbrief/pipeline/internal/objectstore"
	"github.com/mailbrief/pipeline/internal/pipeline"
	"github.com/mailbrief/pipeline/internal/queue"
	"github.com/mailbrief/pipeline/internal/records"
	"github.com/mailbrief/pipeline/internal/retry"
	"github.com/mailbrief/pipeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	slog.Info("starting mailbrief worker",
		"queue", cfg.Queue,
		"dead_letter_queue", cfg.DeadLetterQueue,
		"prefetch", cfg.Prefetch,
		"max_retries", cfg.MaxRetries,
		"item_timeout", cfg.ItemTimeout,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	recordStore, err := records.NewStore(ctx, pgPool)
	if err != nil {
		return fmt.Errorf("initialise record store: %w", err)
	}

	// --- Object Store ---
	store, err := objectstore.New(objectstore.Config{
		Endpoint:      cfg.Storage.Endpoint,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		Bucket:        cfg.Storage.Bucket,
		Region:        cfg.Storage.Region,
		UseSSL:        cfg.Storage.UseSSL,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx, cfg.Storage.Region); err != nil {
		return err
	}
	slog.Info("object store ready", "bucket", cfg.Storage.Bucket)

	// --- Analysis Service ---
	httpClient := analysis.NewHTTPClient(ctx, analysis.Credentials{
		APIKey:       cfg.Analysis.APIKey,
		TokenURL:     cfg.Analysis.TokenURL,
		ClientID:     cfg.Analysis.ClientID,
		ClientSecret: cfg.Analysis.ClientSecret,
	}, cfg.Analysis.Timeout)
	analyzer := analysis.NewClient(httpClient, analysis.ClientConfig{
		BaseURL: cfg.Analysis.BaseURL,
		Model:   cfg.Analysis.Model,
	})

	// --- Product Analytics ---
	mon, err := monitor.New(cfg.PostHogAPIKey, cfg.PostHogEndpoint)
	if err != nil {
		return err
	}
	defer mon.Close()

	// --- Broker ---
	// Connect eagerly: a worker that cannot reach the broker has nothing to do.
	manager := queue.NewManager(queue.ManagerConfig{
		URL:             cfg.AMQPURL,
		Queue:           cfg.Queue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		ConnectionName:  "mailbrief-worker",
	})
	defer manager.Close()

	if err := manager.Ping(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	slog.Info("connected to broker")

	// --- Pipeline + Worker ---
	proc := pipeline.New(pipeline.Config{
		Analyzer: analyzer,
		Store:    store,
		Records:  recordStore,
		Monitor:  mon,
	})

	w := worker.New(queue.NewConsumer(manager, "mailbrief-worker"), proc, worker.Config{
		Concurrency: cfg.Prefetch,
		ItemTimeout: cfg.ItemTimeout,
		Policy:      retry.NewPolicy(cfg.MaxRetries),
	})

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.Ping(r.Context()); err != nil {
			http.Error(w, "broker unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := recordStore.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	runErr := w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if runErr != nil {
		if errors.Is(runErr, worker.ErrDeliveriesClosed) {
			return fmt.Errorf("broker connection lost: %w", runErr)
		}
		return runErr
	}

	slog.Info("worker stopped")
	return nil
}
