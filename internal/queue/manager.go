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

// Package queue owns the connection to the AMQP broker. A single Manager per
// process lazily dials the broker, asserts the processing queue and hands out
// one shared, serialised channel to the webhook publisher, the worker and the
// redrive tool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader carries the number of failed deliveries of a message.
const AttemptHeader = "x-tries"

// ManagerConfig holds broker addressing and queue topology.
type ManagerConfig struct {
	URL   string
	Queue string
	// DeadLetterQueue receives messages rejected without requeue. Empty means
	// rejected messages are discarded by the broker.
	DeadLetterQueue string
	ConnectionName  string
	DialTimeout     time.Duration
}

// Manager lazily establishes and caches the broker connection and channel.
type Manager struct {
	cfg ManagerConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *Channel
}

// NewManager creates a connection manager. No network I/O happens until the
// first call to Channel.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "mailbrief"
	}
	return &Manager{cfg: cfg}
}

// QueueName returns the processing queue name.
func (m *Manager) QueueName() string { return m.cfg.Queue }

// DeadLetterQueueName returns the dead-letter queue name, empty if none.
func (m *Manager) DeadLetterQueueName() string { return m.cfg.DeadLetterQueue }

// Channel returns the shared channel, connecting and declaring the queue
// topology on first use or after the previous channel was closed.
func (m *Manager) Channel(ctx context.Context) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.conn == nil || m.conn.IsClosed() {
		conn, err := amqp.DialConfig(m.cfg.URL, amqp.Config{
			Heartbeat: 10 * time.Second,
			Dial:      amqp.DefaultDial(m.cfg.DialTimeout),
			Properties: amqp.Table{
				"connection_name": m.cfg.ConnectionName,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		m.conn = conn
		slog.Info("connected to broker", "connection", m.cfg.ConnectionName)
	}

	raw, err := m.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// Publisher confirms so Publish can report durable receipt.
	if err := raw.Confirm(false); err != nil {
		raw.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	if err := m.declare(raw); err != nil {
		raw.Close()
		return nil, err
	}

	m.ch = newChannel(raw)
	return m.ch, nil
}

// declare asserts the processing queue and, when configured, its
// dead-letter queue. Both declarations are idempotent.
func (m *Manager) declare(ch *amqp.Channel) error {
	var args amqp.Table
	if m.cfg.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(m.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue %s: %w", m.cfg.DeadLetterQueue, err)
		}
		// The default exchange routes by queue name.
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": m.cfg.DeadLetterQueue,
		}
	}

	if _, err := ch.QueueDeclare(m.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", m.cfg.Queue, err)
	}
	return nil
}

// Ping verifies a usable channel can be obtained.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.Channel(ctx)
	return err
}

// Close closes the cached channel and connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.ch != nil {
		if err := m.ch.close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		m.ch = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		m.conn = nil
	}
	return errors.Join(errs...)
}
