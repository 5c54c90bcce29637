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

// Package pipeline turns one queued email into a persisted ProcessedResult:
// content analysis, attachment and output storage, result persistence and
// project bookkeeping, in that order.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mailbrief/pipeline/internal/analysis"
	"github.com/mailbrief/pipeline/internal/metrics"
	"github.com/mailbrief/pipeline/internal/models"
)

const (
	summaryName        = "summary.md"
	summaryContentType = "text/markdown; charset=utf-8"
	visualizationStem  = "visualization-"
)

// Analyzer submits an email's text and attachments for content analysis.
type Analyzer interface {
	Analyze(ctx context.Context, textBody string, attachments []models.Attachment) (*analysis.Result, error)
}

// ObjectStore writes a blob and returns its public URL. Writing to an
// existing key overwrites it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// RecordStore persists results and project activity.
type RecordStore interface {
	// SaveResult upserts the result keyed by project and source item id and
	// reports whether a new row was created.
	SaveResult(ctx context.Context, result *models.ProcessedResult) (bool, error)
	// RecordActivity marks the project active and stamps the last-activity
	// time. The project's email counter is bumped once per saved result: the
	// first call for a result counts it, later calls do not.
	RecordActivity(ctx context.Context, projectID, sourceItemID string, at time.Time) error
}

// Monitor receives a best-effort notification per processed email.
type Monitor interface {
	EmailProcessed(ctx context.Context, result *models.ProcessedResult) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	Analyzer Analyzer
	Store    ObjectStore
	Records  RecordStore
	Monitor  Monitor

	// ActivityRetries bounds the independent retries of the project
	// bookkeeping update. Zero means the default of 3 attempts.
	ActivityRetries uint64
	// ActivityBackoff is the initial delay between bookkeeping attempts.
	ActivityBackoff time.Duration

	Now func() time.Time
}

// Pipeline processes work items. It holds no per-item state and is safe for
// concurrent use.
type Pipeline struct {
	analyzer Analyzer
	store    ObjectStore
	records  RecordStore
	monitor  Monitor

	activityRetries uint64
	activityBackoff time.Duration
	now             func() time.Time
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	retries := cfg.ActivityRetries
	if retries == 0 {
		retries = 3
	}
	wait := cfg.ActivityBackoff
	if wait == 0 {
		wait = 500 * time.Millisecond
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		analyzer:        cfg.Analyzer,
		store:           cfg.Store,
		records:         cfg.Records,
		monitor:         cfg.Monitor,
		activityRetries: retries,
		activityBackoff: wait,
		now:             now,
	}
}

// ObjectKey builds the storage key for one artefact of an item. Keys are a
// pure function of their inputs so a re-run overwrites the same objects.
func ObjectKey(projectID, sourceItemID, name string) string {
	return path.Join(sanitizeSegment(projectID), sanitizeSegment(sourceItemID), sanitizeSegment(name))
}

// attachmentNames returns one storage name per attachment. A name that is
// repeated, or that belongs to an analysis output (summary.md,
// visualization-N.ext), gets an ordinal suffix before its extension
// (image.png, image-2.png). Every attachment keeps its own object and the
// names depend only on attachment order.
func attachmentNames(attachments []models.Attachment) []string {
	names := make([]string, len(attachments))
	taken := make(map[string]bool, len(attachments))
	for i, att := range attachments {
		name := sanitizeSegment(att.Name)
		if taken[name] || isOutputName(name) {
			ext := path.Ext(name)
			base := strings.TrimSuffix(name, ext)
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s-%d%s", base, n, ext)
				if !taken[candidate] && !isOutputName(candidate) {
					name = candidate
					break
				}
			}
		}
		taken[name] = true
		names[i] = name
	}
	return names
}

// isOutputName reports whether name is reserved for an analysis output.
func isOutputName(name string) bool {
	if name == summaryName {
		return true
	}
	rest, ok := strings.CutPrefix(name, visualizationStem)
	if !ok {
		return false
	}
	n, _, _ := strings.Cut(rest, ".")
	if n == "" {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// sanitizeSegment keeps a key segment from escaping its prefix.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Process runs every step for one item. A returned error means nothing
// conclusive was persisted and the item may be retried.
func (p *Pipeline) Process(ctx context.Context, item *models.WorkItem) (*models.ProcessedResult, error) {
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	log := slog.With("project_id", item.ProjectID, "source_item_id", item.SourceItemID)

	// 1. Analyze. Nothing is stored before this succeeds.
	result, err := p.analyzer.Analyze(ctx, item.TextBody, item.Attachments)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	// 2. Original attachments, best effort.
	refs := p.storeAttachments(ctx, log, item)

	// 3. Analysis outputs. The summary is the primary deliverable.
	summaryURL, err := p.store.Put(ctx,
		ObjectKey(item.ProjectID, item.SourceItemID, summaryName),
		[]byte(result.Narrative), summaryContentType)
	if err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}

	visualizationURLs := make([]string, 0, len(result.Images))
	for i, img := range result.Images {
		name := fmt.Sprintf("%s%d%s", visualizationStem, i+1, imageExtension(img.ContentType))
		url, err := p.store.Put(ctx, ObjectKey(item.ProjectID, item.SourceItemID, name), img.Data, img.ContentType)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		visualizationURLs = append(visualizationURLs, url)
	}

	processed := &models.ProcessedResult{
		ProjectID:         item.ProjectID,
		SourceItemID:      item.SourceItemID,
		ProcessedAt:       p.now(),
		Subject:           item.Subject,
		From:              item.From,
		SummaryURL:        summaryURL,
		VisualizationURLs: visualizationURLs,
		AttachmentURLs:    make([]string, 0, len(refs)),
		Attachments:       refs,
	}
	for _, ref := range refs {
		processed.AttachmentURLs = append(processed.AttachmentURLs, ref.URL)
	}

	// 4. Persist. From here on the item counts as processed.
	inserted, err := p.records.SaveResult(ctx, processed)
	if err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}

	// 5. Project bookkeeping, retried on its own and never failing the item.
	p.recordActivity(ctx, log, item.ProjectID, item.SourceItemID, processed.ProcessedAt)

	if p.monitor != nil {
		if err := p.monitor.EmailProcessed(ctx, processed); err != nil {
			log.Warn("analytics event failed", "error", err)
		}
	}

	log.Info("work item processed",
		"attachments", len(refs),
		"attachments_skipped", len(item.Attachments)-len(refs),
		"visualizations", len(visualizationURLs),
		"new_record", inserted,
	)

	return processed, nil
}

// storeAttachments writes each attachment and returns refs for the ones that
// made it. A failed attachment is logged and left out.
func (p *Pipeline) storeAttachments(ctx context.Context, log *slog.Logger, item *models.WorkItem) []models.AttachmentRef {
	refs := make([]models.AttachmentRef, 0, len(item.Attachments))
	names := attachmentNames(item.Attachments)
	for i, att := range item.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			metrics.AttachmentStoreFailures.Inc()
			log.Warn("skipping attachment with undecodable content", "name", att.Name, "error", err)
			continue
		}

		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		url, err := p.store.Put(ctx, ObjectKey(item.ProjectID, item.SourceItemID, names[i]), data, contentType)
		if err != nil {
			metrics.AttachmentStoreFailures.Inc()
			log.Warn("skipping attachment that failed to store", "name", att.Name, "error", err)
			continue
		}

		refs = append(refs, models.AttachmentRef{
			Name:        att.Name,
			ContentType: contentType,
			URL:         url,
		})
	}
	return refs
}

// recordActivity updates project bookkeeping with bounded exponential
// backoff. A final failure leaves the project counters stale but does not
// fail the item, since retrying the item would repeat analysis and storage.
// A later redelivery of the same item still counts it.
func (p *Pipeline) recordActivity(ctx context.Context, log *slog.Logger, projectID, sourceItemID string, at time.Time) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.activityBackoff
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, p.activityRetries-1), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return p.records.RecordActivity(ctx, projectID, sourceItemID, at)
	}, policy)
	if err != nil {
		metrics.BookkeepingFailures.Inc()
		log.Error("project bookkeeping stale: activity update failed after result was saved",
			"attempts", attempts,
			"error", err,
		)
	}
}

func imageExtension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".png"
	}
}
