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

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishNacked is returned when the broker refuses a published message.
var ErrPublishNacked = errors.New("broker did not confirm publish")

// Channel is the process-wide AMQP channel. Every call that writes to the
// channel is serialised so concurrent message handlers never interleave
// frames.
type Channel struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func newChannel(ch *amqp.Channel) *Channel {
	return &Channel{ch: ch}
}

// IsClosed reports whether the underlying channel has been closed.
func (c *Channel) IsClosed() bool {
	return c.ch.IsClosed()
}

// Publish sends msg to queue via the default exchange and waits for the
// broker's confirm.
func (c *Channel) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	// Confirm mode is always enabled by the Manager; nil only if it was not.
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Qos limits unacknowledged deliveries to prefetch.
func (c *Channel) Qos(prefetch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Qos(prefetch, 0, false)
}

// Consume starts a manual-ack consumer on queue.
func (c *Channel) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

// Cancel stops the consumer registered under consumerTag.
func (c *Channel) Cancel(consumerTag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Cancel(consumerTag, false)
}

// Get fetches a single message from queue without auto-ack.
func (c *Channel) Get(queue string) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Get(queue, false)
}

// Depth returns the number of ready messages in queue.
func (c *Channel) Depth(queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Ack acknowledges a single delivery.
func (c *Channel) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Ack(tag, false)
}

// Nack rejects a single delivery, optionally returning it to the queue.
func (c *Channel) Nack(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Nack(tag, false, requeue)
}

func (c *Channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Close()
}
