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

// Mailbrief: Inbound Webhook Server
//
// Entry point for the webhook receiver. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to Redis (dedup) and the AMQP broker
//  3. Serves the inbound-email webhook, /health and /metrics
//  4. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mailbrief/pipeline/internal/config"
	"github.com/mailbrief/pipeline/internal/dedup"
	"github.com/mailbrief/pipeline/internal/queue"
	"github.com/mailbrief/pipeline/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.ValidateServer(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting mailbrief webhook server",
		"queue", cfg.Queue,
		"port", cfg.Port,
		"token_required", cfg.WebhookToken != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	filter := dedup.NewFilter(rdb, dedup.DefaultTTL)
	if err := filter.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Broker ---
	// The connection is lazy; publish failures surface to the webhook sender
	// as a 500 and the broker is retried on the next request.
	manager := queue.NewManager(queue.ManagerConfig{
		URL:             cfg.AMQPURL,
		Queue:           cfg.Queue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		ConnectionName:  "mailbrief-webhook",
	})
	defer manager.Close()

	publisher := queue.NewPublisher(manager)
	if err := publisher.Ping(ctx); err != nil {
		slog.Warn("broker not reachable at startup", "error", err)
	}

	// --- HTTP Server ---
	handler := webhook.NewHandler(publisher, filter, webhook.Options{
		Token:     cfg.WebhookToken,
		RateLimit: cfg.WebhookRateLimit,
		Burst:     cfg.WebhookBurst,
	})

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "broker unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := filter.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	mux := webhook.Routes(handler, map[string]http.Handler{
		"/health":  health,
		"/metrics": promhttp.Handler(),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("webhook server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("webhook server stopped")
}
