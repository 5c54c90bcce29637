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
	"net"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbrief/pipeline/internal/models"
)

func TestAttemptFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "nil table", headers: nil, want: 0},
		{name: "absent", headers: amqp.Table{"other": "x"}, want: 0},
		{name: "int32", headers: amqp.Table{AttemptHeader: int32(2)}, want: 2},
		{name: "int64", headers: amqp.Table{AttemptHeader: int64(4)}, want: 4},
		{name: "int8", headers: amqp.Table{AttemptHeader: int8(1)}, want: 1},
		{name: "float", headers: amqp.Table{AttemptHeader: float64(3)}, want: 3},
		{name: "numeric string", headers: amqp.Table{AttemptHeader: " 5 "}, want: 5},
		{name: "garbage string", headers: amqp.Table{AttemptHeader: "five"}, want: 0},
		{name: "negative", headers: amqp.Table{AttemptHeader: int32(-3)}, want: 0},
		{name: "unsupported type", headers: amqp.Table{AttemptHeader: true}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptFromHeaders(tt.headers))
		})
	}
}

func TestHeadersWithAttempt_CopiesAndIncrements(t *testing.T) {
	orig := amqp.Table{AttemptHeader: int32(1), "trace": "abc"}

	next := headersWithAttempt(orig, 2)

	assert.Equal(t, int32(2), next[AttemptHeader])
	assert.Equal(t, "abc", next["trace"])
	// The delivered headers are left untouched.
	assert.Equal(t, int32(1), orig[AttemptHeader])
	assert.Equal(t, 2, attemptFromHeaders(next))
}

func TestHeadersWithAttempt_NilTable(t *testing.T) {
	next := headersWithAttempt(nil, 1)
	assert.Equal(t, 1, attemptFromHeaders(next))
}

type recordingAcker struct {
	acked, dead bool
	requeuedAt  int
}

func (r *recordingAcker) Ack(*Delivery) error { r.acked = true; return nil }
func (r *recordingAcker) Requeue(_ context.Context, _ *Delivery, attempt int) error {
	r.requeuedAt = attempt
	return nil
}
func (r *recordingAcker) DeadLetter(*Delivery) error { r.dead = true; return nil }

func TestDelivery_SettlesThroughAcknowledger(t *testing.T) {
	acker := &recordingAcker{}
	d := NewDelivery("m1", 0, []byte(`{}`), acker)
	assert.False(t, d.Settled())

	require.NoError(t, d.Requeue(context.Background(), 1))
	assert.True(t, d.Settled())
	assert.Equal(t, 1, acker.requeuedAt)

	d2 := NewDelivery("m2", 4, nil, acker)
	require.NoError(t, d2.DeadLetter())
	assert.True(t, acker.dead)

	d3 := NewDelivery("m3", 0, nil, acker)
	require.NoError(t, d3.Ack())
	assert.True(t, acker.acked)
}

// closedPortURL returns an AMQP URL pointing at a port nothing listens on.
func closedPortURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "amqp://guest:guest@" + addr + "/"
}

// TestPublisher_BrokerDown verifies a publish against an unreachable broker
// returns an error instead of dropping the item.
func TestPublisher_BrokerDown(t *testing.T) {
	mgr := NewManager(ManagerConfig{
		URL:         closedPortURL(t),
		Queue:       "email-processing",
		DialTimeout: time.Second,
	})
	defer mgr.Close()

	pub := NewPublisher(mgr)

	id, err := pub.Publish(context.Background(), &models.WorkItem{
		ProjectID:    "p1",
		SourceItemID: "s1",
	})
	require.Error(t, err)
	assert.Empty(t, id)

	assert.Error(t, pub.Ping(context.Background()))
}

func TestManager_CancelledContext(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: closedPortURL(t), Queue: "q"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Channel(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_Defaults(t *testing.T) {
	mgr := NewManager(ManagerConfig{Queue: "q", DeadLetterQueue: "q.dead"})
	assert.Equal(t, "q", mgr.QueueName())
	assert.Equal(t, "q.dead", mgr.DeadLetterQueueName())
	assert.Equal(t, 10*time.Second, mgr.cfg.DialTimeout)
	assert.NoError(t, mgr.Close())
}
