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

// Mailbrief: Dead-Letter Redrive Command
//
// Standalone CLI tool that moves dead-lettered work items back onto the
// processing queue, typically after the outage that exhausted their retries
// has been fixed. Each message is republished with a fresh id and a zero
// attempt count.
//
// Usage:
//
//	go run ./cmd/redrive/ [--limit 100] [--delay 100ms] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailbrief/pipeline/internal/config"
	"github.com/mailbrief/pipeline/internal/queue"
	"github.com/mailbrief/pipeline/internal/redrive"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	limitFlag := flag.Int("limit", 0, "Maximum messages to redrive (0 = everything currently dead-lettered)")
	delayFlag := flag.String("delay", "0s", "Pause between messages (e.g. 100ms)")
	dryRunFlag := flag.Bool("dry-run", false, "Only report how many messages are dead-lettered")
	flag.Parse()

	if *limitFlag < 0 {
		fmt.Fprintf(os.Stderr, "Error: --limit must not be negative\n\n")
		flag.Usage()
		os.Exit(1)
	}

	delay, err := time.ParseDuration(*delayFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --delay duration %q: %v\n", *delayFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DeadLetterQueue == "" {
		slog.Error("no dead-letter queue configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to Broker ---
	manager := queue.NewManager(queue.ManagerConfig{
		URL:             cfg.AMQPURL,
		Queue:           cfg.Queue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		ConnectionName:  "mailbrief-redrive",
	})
	defer manager.Close()

	if err := manager.Ping(ctx); err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to broker", "queue", cfg.Queue, "dead_letter_queue", cfg.DeadLetterQueue)

	// --- Run Redrive ---
	runner := redrive.NewRunner(redrive.RunnerConfig{
		Source:    queue.NewDeadLetterReader(manager),
		Publisher: queue.NewPublisher(manager),
		Delay:     delay,
	})

	result, err := runner.Run(ctx, redrive.Request{
		Limit:  *limitFlag,
		DryRun: *dryRunFlag,
	})
	if result != nil {
		// --- Summary ---
		slog.Info("redrive summary",
			"waiting", result.Waiting,
			"redriven", result.Redriven,
			"failed", result.Failed,
			"dry_run", result.DryRun,
			"elapsed", result.Elapsed,
		)
	}
	if err != nil {
		slog.Error("redrive failed", "error", err)
		os.Exit(1)
	}
}
