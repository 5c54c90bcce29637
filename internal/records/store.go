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

// Package records provides the Postgres-backed store for processed email
// results and per-project activity bookkeeping.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailbrief/pipeline/internal/models"
)

// Project is the bookkeeping row for one project.
type Project struct {
	ID           string
	Status       string // "active"
	EmailCount   int64
	LastActivity time.Time
	CreatedAt    time.Time
}

// Store persists processed results and project activity in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a record store backed by the given Postgres pool.
// It ensures the tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure record schema: %w", err)
	}
	slog.Info("record store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_emails (
			project_id         TEXT NOT NULL,
			source_item_id     TEXT NOT NULL,
			processed_at       TIMESTAMPTZ NOT NULL,
			subject            TEXT DEFAULT '',
			from_address       TEXT DEFAULT '',
			from_name          TEXT DEFAULT '',
			summary_url        TEXT NOT NULL,
			visualization_urls JSONB NOT NULL DEFAULT '[]',
			attachment_urls    JSONB NOT NULL DEFAULT '[]',
			attachments        JSONB NOT NULL DEFAULT '[]',
			counted            BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (project_id, source_item_id)
		);
		ALTER TABLE processed_emails ADD COLUMN IF NOT EXISTS counted BOOLEAN NOT NULL DEFAULT FALSE;
		CREATE INDEX IF NOT EXISTS idx_processed_project_time
			ON processed_emails(project_id, processed_at DESC);

		CREATE TABLE IF NOT EXISTS projects (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'active',
			email_count   BIGINT NOT NULL DEFAULT 0,
			last_activity TIMESTAMPTZ,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// SaveResult upserts a processed result keyed on (project_id, source_item_id)
// and reports whether a new row was inserted. A re-run of the same item
// replaces the stored fields instead of adding a row.
func (s *Store) SaveResult(ctx context.Context, r *models.ProcessedResult) (bool, error) {
	vis, att, refs, err := encodeLists(r)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO processed_emails
			(project_id, source_item_id, processed_at, subject, from_address, from_name,
			 summary_url, visualization_urls, attachment_urls, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, source_item_id) DO UPDATE SET
			processed_at       = EXCLUDED.processed_at,
			subject            = EXCLUDED.subject,
			from_address       = EXCLUDED.from_address,
			from_name          = EXCLUDED.from_name,
			summary_url        = EXCLUDED.summary_url,
			visualization_urls = EXCLUDED.visualization_urls,
			attachment_urls    = EXCLUDED.attachment_urls,
			attachments        = EXCLUDED.attachments,
			updated_at         = NOW()
		RETURNING (xmax = 0)
	`, r.ProjectID, r.SourceItemID, r.ProcessedAt, r.Subject, r.From.Address, r.From.Name,
		r.SummaryURL, vis, att, refs).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert processed email: %w", err)
	}
	return inserted, nil
}

// RecordActivity marks the project active and stamps its last activity,
// creating the row if needed. The email counter moves by one the first time
// it is called for a saved result: the result's counted flag is claimed in
// the same statement, so a replay, or a redelivery after a crash between
// SaveResult and RecordActivity, counts the email exactly once.
func (s *Store) RecordActivity(ctx context.Context, projectID, sourceItemID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		WITH claimed AS (
			UPDATE processed_emails SET counted = TRUE
			WHERE project_id = $1 AND source_item_id = $2 AND NOT counted
			RETURNING 1
		)
		INSERT INTO projects (id, status, email_count, last_activity)
		VALUES ($1, 'active', (SELECT COUNT(*) FROM claimed), $3)
		ON CONFLICT (id) DO UPDATE SET
			status        = 'active',
			email_count   = projects.email_count + EXCLUDED.email_count,
			last_activity = GREATEST(COALESCE(projects.last_activity, EXCLUDED.last_activity), EXCLUDED.last_activity),
			updated_at    = NOW()
	`, projectID, sourceItemID, at)
	if err != nil {
		return fmt.Errorf("record project activity: %w", err)
	}
	return nil
}

// GetResult retrieves one processed result, or nil if it does not exist.
func (s *Store) GetResult(ctx context.Context, projectID, sourceItemID string) (*models.ProcessedResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, source_item_id, processed_at, subject, from_address, from_name,
		       summary_url, visualization_urls, attachment_urls, attachments
		FROM processed_emails
		WHERE project_id = $1 AND source_item_id = $2
	`, projectID, sourceItemID)
	return scanResult(row)
}

// GetProject retrieves a project's bookkeeping row, or nil if it does not exist.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var (
		p    Project
		last *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, email_count, last_activity, created_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&p.ID, &p.Status, &p.EmailCount, &last, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if last != nil {
		p.LastActivity = *last
	}
	return &p, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func encodeLists(r *models.ProcessedResult) (vis, att, refs []byte, err error) {
	if vis, err = json.Marshal(nonNil(r.VisualizationURLs)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode visualization urls: %w", err)
	}
	if att, err = json.Marshal(nonNil(r.AttachmentURLs)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode attachment urls: %w", err)
	}
	attachments := r.Attachments
	if attachments == nil {
		attachments = []models.AttachmentRef{}
	}
	if refs, err = json.Marshal(attachments); err != nil {
		return nil, nil, nil, fmt.Errorf("encode attachments: %w", err)
	}
	return vis, att, refs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// scanResult scans a single row into a ProcessedResult.
func scanResult(row pgx.Row) (*models.ProcessedResult, error) {
	var (
		r              models.ProcessedResult
		vis, att, refs []byte
	)
	err := row.Scan(
		&r.ProjectID, &r.SourceItemID, &r.ProcessedAt, &r.Subject, &r.From.Address, &r.From.Name,
		&r.SummaryURL, &vis, &att, &refs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vis, &r.VisualizationURLs); err != nil {
		return nil, fmt.Errorf("decode visualization urls: %w", err)
	}
	if err := json.Unmarshal(att, &r.AttachmentURLs); err != nil {
		return nil, fmt.Errorf("decode attachment urls: %w", err)
	}
	if err := json.Unmarshal(refs, &r.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return &r, nil
}
