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

// Package retry decides what happens to a delivery whose processing failed:
// back onto the queue with one more attempt recorded, or dead-lettered.
// The only state is the attempt count carried in the message itself.
package retry

import (
	"errors"
	"fmt"
)

// DefaultMaxRetries allows five deliveries in total: the first plus four
// retries.
const DefaultMaxRetries = 4

// ErrPermanent marks failures that no retry can fix, such as a message body
// that does not decode.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that Decide dead-letters it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Action is the settlement chosen for a failed delivery.
type Action int

const (
	// Requeue returns the message with an incremented attempt count.
	Requeue Action = iota + 1
	// DeadLetter rejects the message without requeue.
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	// NextAttempt is the attempt count the requeued copy carries. Equal to
	// the current attempt for dead-letter decisions.
	NextAttempt int
	Reason      string
}

// Policy caps the number of retries per message.
type Policy struct {
	MaxRetries int
}

// NewPolicy returns a policy allowing maxRetries retries after the first
// delivery. Negative values are treated as zero.
func NewPolicy(maxRetries int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{MaxRetries: maxRetries}
}

// Decide chooses between requeue and dead-letter for a delivery that failed
// with err on the given attempt (0 for the first delivery).
func (p Policy) Decide(attempt int, err error) Decision {
	if attempt < 0 {
		attempt = 0
	}

	if IsPermanent(err) {
		return Decision{Action: DeadLetter, NextAttempt: attempt, Reason: "permanent"}
	}

	if attempt >= p.MaxRetries {
		return Decision{Action: DeadLetter, NextAttempt: attempt, Reason: "retries_exhausted"}
	}

	return Decision{Action: Requeue, NextAttempt: attempt + 1, Reason: "transient"}
}
