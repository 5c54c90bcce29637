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

// Package metrics registers the Prometheus collectors shared by the webhook
// server and the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook receiver
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbrief_webhook_requests_total",
			Help: "Inbound webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbrief_queue_publishes_total",
			Help: "Work items published to the processing queue",
		},
		[]string{"status"},
	)

	// Worker
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbrief_worker_deliveries_total",
			Help: "Deliveries settled by the worker, by outcome (acked, requeued, dead_lettered)",
		},
		[]string{"outcome"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailbrief_worker_in_flight",
			Help: "Work items currently being processed",
		},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailbrief_pipeline_duration_seconds",
			Help:    "Duration of one pipeline run in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	AttachmentStoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbrief_attachment_store_failures_total",
			Help: "Attachments skipped because they could not be decoded or stored",
		},
	)

	BookkeepingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbrief_project_bookkeeping_failures_total",
			Help: "Project activity updates that failed after the result was persisted",
		},
	)

	RedrivenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbrief_redriven_messages_total",
			Help: "Dead-lettered messages moved back to the processing queue",
		},
	)
)
