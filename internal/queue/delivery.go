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
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	// Ack removes the delivery from the queue permanently.
	Ack(d *Delivery) error
	// Requeue returns the delivery to the queue carrying attempt as its new
	// attempt count.
	Requeue(ctx context.Context, d *Delivery, attempt int) error
	// DeadLetter rejects the delivery without requeue.
	DeadLetter(d *Delivery) error
}

// Delivery is one message handed to the worker: the raw WorkItem body plus
// the attempt count decoded from the broker headers.
type Delivery struct {
	MessageID   string
	Attempt     int
	Body        []byte
	ContentType string
	Redelivered bool

	tag      uint64
	acker    Acknowledger
	settled  bool
	original amqp.Delivery
}

// NewDelivery builds a Delivery settled through acker. Used by consumers other
// than the AMQP one, such as tests.
func NewDelivery(messageID string, attempt int, body []byte, acker Acknowledger) *Delivery {
	return &Delivery{
		MessageID: messageID,
		Attempt:   attempt,
		Body:      body,
		acker:     acker,
	}
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	d.settled = true
	return d.acker.Ack(d)
}

// Requeue sends the delivery back to the queue with the given attempt count.
func (d *Delivery) Requeue(ctx context.Context, attempt int) error {
	d.settled = true
	return d.acker.Requeue(ctx, d, attempt)
}

// DeadLetter rejects the delivery without requeue.
func (d *Delivery) DeadLetter() error {
	d.settled = true
	return d.acker.DeadLetter(d)
}

// Settled reports whether Ack, Requeue or DeadLetter has been called.
func (d *Delivery) Settled() bool { return d.settled }

// attemptFromHeaders reads AttemptHeader, treating a missing or unreadable
// value as zero. AMQP tables carry integers in several widths depending on
// the publishing client.
func attemptFromHeaders(h amqp.Table) int {
	v, ok := h[AttemptHeader]
	if !ok {
		return 0
	}

	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	case float32:
		n = int64(t)
	case float64:
		n = int64(t)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	return int(n)
}

// headersWithAttempt copies h and sets AttemptHeader to attempt.
func headersWithAttempt(h amqp.Table, attempt int) amqp.Table {
	out := make(amqp.Table, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	out[AttemptHeader] = int32(attempt)
	return out
}
