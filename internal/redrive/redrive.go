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

// Package redrive moves dead-lettered work items back onto the processing
// queue once the cause of their failure has been fixed.
package redrive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailbrief/pipeline/internal/metrics"
	"github.com/mailbrief/pipeline/internal/queue"
)

// Source yields dead-lettered deliveries.
type Source interface {
	Next(ctx context.Context) (*queue.Delivery, bool, error)
	Depth(ctx context.Context) (int, error)
}

// Publisher publishes a work item body as a fresh message.
type Publisher interface {
	PublishBody(ctx context.Context, body []byte) (string, error)
}

// Request defines the scope of a redrive run.
type Request struct {
	// Limit caps the number of messages moved; zero moves everything that
	// was on the dead-letter queue when the run started.
	Limit  int
	DryRun bool
}

// Result summarises a completed redrive run.
type Result struct {
	Waiting    int
	Redriven   int
	Failed     int
	DryRun     bool
	Elapsed    time.Duration
	MessageIDs []string
}

// Runner performs redrive runs.
type Runner struct {
	source    Source
	publisher Publisher
	delay     time.Duration
}

// RunnerConfig holds dependencies for the redrive runner.
type RunnerConfig struct {
	Source    Source
	Publisher Publisher
	// Delay between messages to avoid flooding the worker.
	Delay time.Duration
}

// NewRunner creates a redrive runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		source:    cfg.Source,
		publisher: cfg.Publisher,
		delay:     cfg.Delay,
	}
}

// Run moves dead-lettered messages back to the processing queue. Each
// message is republished with a new id and a zero attempt count, and only
// then removed from the dead-letter queue. The run stops at the first
// failed republish; that message stays dead-lettered.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	waiting, err := r.source.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect dead-letter queue: %w", err)
	}

	result := &Result{Waiting: waiting, DryRun: req.DryRun}

	limit := waiting
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}

	slog.Info("starting redrive",
		"waiting", waiting,
		"limit", limit,
		"dry_run", req.DryRun,
	)

	if req.DryRun {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	for result.Redriven < limit {
		if result.Redriven > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.delay):
			}
		}

		d, ok, err := r.source.Next(ctx)
		if err != nil {
			return result, fmt.Errorf("read dead-letter queue: %w", err)
		}
		if !ok {
			break
		}

		newID, err := r.publisher.PublishBody(ctx, d.Body)
		if err != nil {
			result.Failed++
			if relErr := d.DeadLetter(); relErr != nil {
				slog.Error("failed to release dead-lettered message", "message_id", d.MessageID, "error", relErr)
			}
			return result, fmt.Errorf("republish %s: %w", d.MessageID, err)
		}

		if err := d.Ack(); err != nil {
			// The copy is already queued; the original may be redriven again.
			result.Failed++
			return result, fmt.Errorf("remove %s from dead-letter queue: %w", d.MessageID, err)
		}

		metrics.RedrivenTotal.Inc()
		result.Redriven++
		result.MessageIDs = append(result.MessageIDs, newID)

		slog.Info("redrove message",
			"message_id", d.MessageID,
			"new_message_id", newID,
			"previous_attempts", d.Attempt,
		)
	}

	result.Elapsed = time.Since(start)

	slog.Info("redrive complete",
		"redriven", result.Redriven,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)

	return result, nil
}
