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

package retry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("analysis timeout")

func TestDecide(t *testing.T) {
	p := NewPolicy(DefaultMaxRetries)

	tests := []struct {
		name        string
		attempt     int
		err         error
		wantAction  Action
		wantAttempt int
	}{
		{name: "first failure requeues with 1", attempt: 0, err: errTransient, wantAction: Requeue, wantAttempt: 1},
		{name: "third failure requeues with 3", attempt: 2, err: errTransient, wantAction: Requeue, wantAttempt: 3},
		{name: "fourth retry requeues with 4", attempt: 3, err: errTransient, wantAction: Requeue, wantAttempt: 4},
		{name: "at threshold dead-letters", attempt: 4, err: errTransient, wantAction: DeadLetter, wantAttempt: 4},
		{name: "beyond threshold dead-letters", attempt: 9, err: errTransient, wantAction: DeadLetter, wantAttempt: 9},
		{name: "permanent dead-letters on first", attempt: 0, err: Permanent(errTransient), wantAction: DeadLetter, wantAttempt: 0},
		{name: "negative attempt treated as zero", attempt: -2, err: errTransient, wantAction: Requeue, wantAttempt: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantAttempt, d.NextAttempt)
		})
	}
}

// TestDecide_DeliveriesUntilDeadLetter walks one message through repeated
// failures and checks it is dead-lettered on delivery MaxRetries+1 with the
// counter rising by exactly one per redelivery.
func TestDecide_DeliveriesUntilDeadLetter(t *testing.T) {
	p := NewPolicy(DefaultMaxRetries)

	attempt := 0
	deliveries := 0
	for {
		deliveries++
		d := p.Decide(attempt, errTransient)
		if d.Action == DeadLetter {
			assert.Equal(t, attempt, d.NextAttempt, "dead-letter must not increment")
			break
		}
		assert.Equal(t, attempt+1, d.NextAttempt)
		attempt = d.NextAttempt
	}

	assert.Equal(t, DefaultMaxRetries+1, deliveries)
}

func TestNewPolicy_NegativeRetries(t *testing.T) {
	p := NewPolicy(-1)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, DeadLetter, p.Decide(0, errTransient).Action)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	wrapped := fmt.Errorf("decode: %w", Permanent(errTransient))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, errTransient)
	assert.False(t, IsPermanent(errTransient))
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "dead_letter", DeadLetter.String())
	assert.Equal(t, "unknown", Action(0).String())
}
