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

package redrive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mailbrief/pipeline/internal/queue"
)

// --- Mock dead-letter queue ---

type mockDLQ struct {
	mu       sync.Mutex
	bodies   [][]byte
	inFlight map[string][]byte
	acked    []string
	released []string
	nextErr  error
}

func newMockDLQ(n int) *mockDLQ {
	q := &mockDLQ{inFlight: make(map[string][]byte)}
	for i := 0; i < n; i++ {
		q.bodies = append(q.bodies, []byte(fmt.Sprintf(`{"project_id":"p","source_item_id":"s%d"}`, i)))
	}
	return q
}

func (q *mockDLQ) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bodies), nil
}

func (q *mockDLQ) Next(context.Context) (*queue.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nextErr != nil {
		return nil, false, q.nextErr
	}
	if len(q.bodies) == 0 {
		return nil, false, nil
	}
	body := q.bodies[0]
	q.bodies = q.bodies[1:]
	id := fmt.Sprintf("dead-%d", len(q.acked)+len(q.released))
	q.inFlight[id] = body
	return queue.NewDelivery(id, 4, body, q), true, nil
}

func (q *mockDLQ) Ack(d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, d.MessageID)
	q.acked = append(q.acked, d.MessageID)
	return nil
}

func (q *mockDLQ) Requeue(_ context.Context, d *queue.Delivery, _ int) error {
	return q.DeadLetter(d)
}

func (q *mockDLQ) DeadLetter(d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bodies = append([][]byte{q.inFlight[d.MessageID]}, q.bodies...)
	delete(q.inFlight, d.MessageID)
	q.released = append(q.released, d.MessageID)
	return nil
}

// --- Mock publisher ---

type mockPublisher struct {
	mu       sync.Mutex
	bodies   []string
	failFrom int // fail on this publish number (1-based); 0 never fails
}

func (p *mockPublisher) PublishBody(_ context.Context, body []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFrom > 0 && len(p.bodies)+1 >= p.failFrom {
		return "", errors.New("broker unavailable")
	}
	p.bodies = append(p.bodies, string(body))
	return fmt.Sprintf("new-%d", len(p.bodies)), nil
}

func TestRun_RedrivesEverything(t *testing.T) {
	dlq := newMockDLQ(3)
	pub := &mockPublisher{}
	runner := NewRunner(RunnerConfig{Source: dlq, Publisher: pub})

	result, err := runner.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Waiting != 3 || result.Redriven != 3 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(pub.bodies) != 3 {
		t.Fatalf("published %d, want 3", len(pub.bodies))
	}
	if pub.bodies[0] != `{"project_id":"p","source_item_id":"s0"}` {
		t.Errorf("body not republished verbatim: %s", pub.bodies[0])
	}
	if len(dlq.acked) != 3 || len(dlq.bodies) != 0 {
		t.Errorf("acked = %v, remaining = %d", dlq.acked, len(dlq.bodies))
	}
	if len(result.MessageIDs) != 3 || result.MessageIDs[0] != "new-1" {
		t.Errorf("message ids = %v", result.MessageIDs)
	}
}

func TestRun_RespectsLimit(t *testing.T) {
	dlq := newMockDLQ(5)
	pub := &mockPublisher{}
	runner := NewRunner(RunnerConfig{Source: dlq, Publisher: pub})

	result, err := runner.Run(context.Background(), Request{Limit: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Redriven != 2 {
		t.Errorf("redriven = %d, want 2", result.Redriven)
	}
	if len(dlq.bodies) != 3 {
		t.Errorf("remaining = %d, want 3", len(dlq.bodies))
	}
}

func TestRun_DryRunMovesNothing(t *testing.T) {
	dlq := newMockDLQ(4)
	pub := &mockPublisher{}
	runner := NewRunner(RunnerConfig{Source: dlq, Publisher: pub})

	result, err := runner.Run(context.Background(), Request{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.DryRun || result.Waiting != 4 || result.Redriven != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(pub.bodies) != 0 || len(dlq.bodies) != 4 {
		t.Error("dry run must not move messages")
	}
}

func TestRun_StopsOnPublishFailureAndKeepsMessage(t *testing.T) {
	dlq := newMockDLQ(3)
	pub := &mockPublisher{failFrom: 2}
	runner := NewRunner(RunnerConfig{Source: dlq, Publisher: pub})

	result, err := runner.Run(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Redriven != 1 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(dlq.bodies) != 2 {
		t.Errorf("remaining = %d, want 2 (failed message returned)", len(dlq.bodies))
	}
	if len(dlq.released) != 1 {
		t.Errorf("released = %v", dlq.released)
	}
}

func TestRun_EmptyQueue(t *testing.T) {
	runner := NewRunner(RunnerConfig{Source: newMockDLQ(0), Publisher: &mockPublisher{}})

	result, err := runner.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Redriven != 0 {
		t.Errorf("redriven = %d", result.Redriven)
	}
}

func TestRun_ReadError(t *testing.T) {
	dlq := newMockDLQ(2)
	dlq.nextErr = errors.New("channel closed")
	runner := NewRunner(RunnerConfig{Source: dlq, Publisher: &mockPublisher{}})

	if _, err := runner.Run(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
}
