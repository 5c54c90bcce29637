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

// Package monitor sends product analytics events to PostHog.
package monitor

import (
	"context"
	"fmt"

	"github.com/posthog/posthog-go"

	"github.com/mailbrief/pipeline/internal/models"
)

// EventEmailProcessed is captured once per successfully processed email.
const EventEmailProcessed = "email_processed"

// Monitor enqueues analytics events. A Monitor without an API key drops
// every event.
type Monitor struct {
	client posthog.Client
}

// New creates a monitor. When apiKey is empty the returned monitor is a no-op.
func New(apiKey, endpoint string) (*Monitor, error) {
	if apiKey == "" {
		return &Monitor{}, nil
	}
	cfg := posthog.Config{}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	client, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return nil, fmt.Errorf("create posthog client: %w", err)
	}
	return &Monitor{client: client}, nil
}

// NewWithClient wraps an existing PostHog client.
func NewWithClient(client posthog.Client) *Monitor {
	return &Monitor{client: client}
}

// EmailProcessed captures one email_processed event keyed by project.
func (m *Monitor) EmailProcessed(_ context.Context, r *models.ProcessedResult) error {
	if m.client == nil {
		return nil
	}
	return m.client.Enqueue(posthog.Capture{
		DistinctId: r.ProjectID,
		Event:      EventEmailProcessed,
		Timestamp:  r.ProcessedAt,
		Properties: posthog.NewProperties().
			Set("source_item_id", r.SourceItemID).
			Set("attachments", len(r.Attachments)).
			Set("visualizations", len(r.VisualizationURLs)),
	})
}

// Close flushes queued events.
func (m *Monitor) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
