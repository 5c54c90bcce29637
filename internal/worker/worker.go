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

// Package worker runs the consumer loop: it takes deliveries off the
// processing queue, runs the pipeline for each, and settles every delivery
// with an ack, a requeue or a dead-letter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailbrief/pipeline/internal/metrics"
	"github.com/mailbrief/pipeline/internal/models"
	"github.com/mailbrief/pipeline/internal/queue"
	"github.com/mailbrief/pipeline/internal/retry"
)

const (
	// DefaultConcurrency matches the default broker prefetch.
	DefaultConcurrency = 3
	// DefaultItemTimeout bounds one pipeline run.
	DefaultItemTimeout = 5 * time.Minute

	settleTimeout = 30 * time.Second
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering
// while the worker is still meant to be running, e.g. on connection loss.
var ErrDeliveriesClosed = errors.New("delivery stream closed")

// Source starts a stream of deliveries with at most prefetch unacknowledged.
type Source interface {
	Consume(ctx context.Context, prefetch int) (<-chan *queue.Delivery, error)
}

// Processor runs the pipeline for one work item.
type Processor interface {
	Process(ctx context.Context, item *models.WorkItem) (*models.ProcessedResult, error)
}

// Config tunes a Worker.
type Config struct {
	Concurrency int
	ItemTimeout time.Duration
	Policy      retry.Policy
}

// Worker consumes and processes deliveries.
type Worker struct {
	source      Source
	processor   Processor
	policy      retry.Policy
	concurrency int
	itemTimeout time.Duration
}

// New creates a worker. Zero config values take the package defaults.
func New(source Source, processor Processor, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	return &Worker{
		source:      source,
		processor:   processor,
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		itemTimeout: cfg.ItemTimeout,
	}
}

// Run consumes until ctx is cancelled or the delivery stream closes, then
// waits for in-flight items to settle. It returns nil on cancellation and
// ErrDeliveriesClosed if the stream ended on its own.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.source.Consume(ctx, w.concurrency)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.Info("worker started",
		"concurrency", w.concurrency,
		"item_timeout", w.itemTimeout,
		"max_retries", w.policy.MaxRetries,
	)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Unsettled; the broker redelivers it.
				break loop
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, d)
			}()
		}
	}

	slog.Info("worker draining in-flight items")
	wg.Wait()

	if ctx.Err() == nil {
		return ErrDeliveriesClosed
	}
	slog.Info("worker stopped")
	return nil
}

// handle processes and settles one delivery. In-flight work is not cut short
// by shutdown; only the item timeout bounds it.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	log := slog.With("message_id", d.MessageID, "attempt", d.Attempt)

	err := w.process(ctx, d, log)
	if err == nil {
		if err := d.Ack(); err != nil {
			log.Error("ack failed", "error", err)
			return
		}
		metrics.DeliveriesTotal.WithLabelValues("acked").Inc()
		return
	}

	w.settleFailure(d, err, log)
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	var item models.WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		return retry.Permanent(fmt.Errorf("decode work item: %w", err))
	}
	if err := item.Validate(); err != nil {
		return retry.Permanent(err)
	}

	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.itemTimeout)
	defer cancel()

	log.Debug("processing work item", "project_id", item.ProjectID, "source_item_id", item.SourceItemID)

	if _, err := w.processor.Process(itemCtx, &item); err != nil {
		return fmt.Errorf("process %s/%s: %w", item.ProjectID, item.SourceItemID, err)
	}
	return nil
}

// settleFailure applies the retry policy. Settlement gets its own context
// because the item context may already have expired.
func (w *Worker) settleFailure(d *queue.Delivery, cause error, log *slog.Logger) {
	decision := w.policy.Decide(d.Attempt, cause)

	switch decision.Action {
	case retry.Requeue:
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()

		if err := d.Requeue(ctx, decision.NextAttempt); err != nil {
			log.Error("requeue failed", "error", err, "cause", cause)
			return
		}
		metrics.DeliveriesTotal.WithLabelValues("requeued").Inc()
		log.Warn("work item failed, requeued",
			"next_attempt", decision.NextAttempt,
			"error", cause,
		)

	case retry.DeadLetter:
		if err := d.DeadLetter(); err != nil {
			log.Error("dead-letter failed", "error", err, "cause", cause)
			return
		}
		metrics.DeliveriesTotal.WithLabelValues("dead_lettered").Inc()
		log.Error("work item dead-lettered",
			"reason", decision.Reason,
			"error", cause,
		)
	}
}
