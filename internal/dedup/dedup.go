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

// Package dedup suppresses duplicate inbound webhook deliveries using a Redis
// key with TTL per (project, source item) pair. Inbound providers retry a
// webhook on timeouts, so the same email can arrive more than once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen email. Provider retries stop
	// well within a day.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "mailbrief:seen:"
)

// Filter tracks which inbound emails have already been queued.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A zero ttl uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(projectID, sourceItemID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, projectID, sourceItemID)
}

// IsNew returns true if the email has NOT been seen before.
// If true, the email is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, projectID, sourceItemID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(projectID, sourceItemID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears the seen marker so a later retry of the same email is
// accepted. Used when the email could not be queued after IsNew.
func (f *Filter) Forget(ctx context.Context, projectID, sourceItemID string) error {
	if err := f.rdb.Del(ctx, key(projectID, sourceItemID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (f *Filter) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}
