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
)

// ErrNoDeadLetterQueue is returned when the manager has no dead-letter queue.
var ErrNoDeadLetterQueue = errors.New("no dead-letter queue configured")

// DeadLetterReader pulls messages off the dead-letter queue one at a time.
//
// Deliveries it returns settle differently from consumer deliveries: Ack
// removes the message from the dead-letter queue, while Requeue and
// DeadLetter both leave it there unchanged.
type DeadLetterReader struct {
	manager *Manager
	ch      *Channel
}

// NewDeadLetterReader creates a reader on the manager's dead-letter queue.
func NewDeadLetterReader(manager *Manager) *DeadLetterReader {
	return &DeadLetterReader{manager: manager}
}

// Next returns the next dead-lettered message, or false when the queue is
// empty.
func (r *DeadLetterReader) Next(ctx context.Context) (*Delivery, bool, error) {
	dlq := r.manager.DeadLetterQueueName()
	if dlq == "" {
		return nil, false, ErrNoDeadLetterQueue
	}

	ch, err := r.manager.Channel(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("get broker channel: %w", err)
	}
	r.ch = ch

	d, ok, err := ch.Get(dlq)
	if err != nil {
		return nil, false, fmt.Errorf("get from %s: %w", dlq, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Delivery{
		MessageID:   d.MessageId,
		Attempt:     attemptFromHeaders(d.Headers),
		Body:        d.Body,
		ContentType: d.ContentType,
		Redelivered: d.Redelivered,
		tag:         d.DeliveryTag,
		acker:       r,
		original:    d,
	}, true, nil
}

// Depth returns the number of messages waiting on the dead-letter queue.
func (r *DeadLetterReader) Depth(ctx context.Context) (int, error) {
	dlq := r.manager.DeadLetterQueueName()
	if dlq == "" {
		return 0, ErrNoDeadLetterQueue
	}
	ch, err := r.manager.Channel(ctx)
	if err != nil {
		return 0, fmt.Errorf("get broker channel: %w", err)
	}
	n, err := ch.Depth(dlq)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", dlq, err)
	}
	return n, nil
}

// Ack implements Acknowledger.
func (r *DeadLetterReader) Ack(d *Delivery) error {
	return r.ch.Ack(d.tag)
}

// Requeue implements Acknowledger by returning the message to the
// dead-letter queue. The attempt count is not rewritten.
func (r *DeadLetterReader) Requeue(_ context.Context, d *Delivery, _ int) error {
	return r.ch.Nack(d.tag, true)
}

// DeadLetter implements Acknowledger by returning the message to the
// dead-letter queue.
func (r *DeadLetterReader) DeadLetter(d *Delivery) error {
	return r.ch.Nack(d.tag, true)
}
