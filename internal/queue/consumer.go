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
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer receives deliveries from the processing queue and settles them on
// the same channel they arrived on.
type Consumer struct {
	manager     *Manager
	consumerTag string
	ch          settler
}

// settler is the part of a Channel that settles consumed deliveries.
type settler interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// NewConsumer creates a consumer registered under consumerTag.
func NewConsumer(manager *Manager, consumerTag string) *Consumer {
	return &Consumer{
		manager:     manager,
		consumerTag: consumerTag,
	}
}

// Consume sets the prefetch limit and starts consuming. The returned channel
// is closed when ctx is cancelled or the broker channel goes away; the caller
// tells the two apart with ctx.Err().
func (c *Consumer) Consume(ctx context.Context, prefetch int) (<-chan *Delivery, error) {
	ch, err := c.manager.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get broker channel: %w", err)
	}

	if err := ch.Qos(prefetch); err != nil {
		return nil, fmt.Errorf("set prefetch %d: %w", prefetch, err)
	}

	raw, err := ch.Consume(c.manager.QueueName(), c.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.manager.QueueName(), err)
	}
	c.ch = ch

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := ch.Cancel(c.consumerTag); err != nil {
					slog.Warn("cancel consumer failed", "consumer", c.consumerTag, "error", err)
				}
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- c.wrap(d):
				case <-ctx.Done():
					// Unsettled; the broker redelivers it once the channel closes.
					return
				}
			}
		}
	}()

	slog.Info("consuming from queue",
		"queue", c.manager.QueueName(),
		"consumer", c.consumerTag,
		"prefetch", prefetch,
	)

	return out, nil
}

func (c *Consumer) wrap(d amqp.Delivery) *Delivery {
	return &Delivery{
		MessageID:   d.MessageId,
		Attempt:     attemptFromHeaders(d.Headers),
		Body:        d.Body,
		ContentType: d.ContentType,
		Redelivered: d.Redelivered,
		tag:         d.DeliveryTag,
		acker:       c,
		original:    d,
	}
}

// Ack implements Acknowledger.
func (c *Consumer) Ack(d *Delivery) error {
	return c.ch.Ack(d.tag)
}

// Requeue implements Acknowledger. A basic.nack cannot rewrite headers, so
// the message is republished with the new attempt count and the original is
// acked once the broker confirms the copy. If the copy cannot be published
// the original is nacked back onto the queue unchanged.
func (c *Consumer) Requeue(ctx context.Context, d *Delivery, attempt int) error {
	err := c.ch.Publish(ctx, c.manager.QueueName(), amqp.Publishing{
		Headers:      headersWithAttempt(d.original.Headers, attempt),
		ContentType:  d.original.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.original.MessageId,
		Timestamp:    d.original.Timestamp,
		Body:         d.Body,
	})
	if err != nil {
		if nackErr := c.ch.Nack(d.tag, true); nackErr != nil {
			return fmt.Errorf("republish failed (%v), nack failed: %w", err, nackErr)
		}
		return fmt.Errorf("republish with attempt %d: %w", attempt, err)
	}
	return c.ch.Ack(d.tag)
}

// DeadLetter implements Acknowledger.
func (c *Consumer) DeadLetter(d *Delivery) error {
	return c.ch.Nack(d.tag, false)
}
