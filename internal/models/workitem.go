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

// Package models defines the data structures shared between the webhook
// receiver, the queue and the processing worker.
package models

import (
	"errors"
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attachment represents a file attached to an inbound email. Content is the
// base64 encoding of the file as delivered by the inbound provider.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     string `json:"content,omitempty"`
}

// WorkItem is one inbound email queued for processing.
//
// The JSON encoding of a WorkItem is the message body on the processing
// queue. It is never modified after publish; redeliveries carry the same
// bytes.
type WorkItem struct {
	ProjectID    string       `json:"project_id"`
	SourceItemID string       `json:"source_item_id"`
	From         EmailAddress `json:"from"`
	Subject      string       `json:"subject"`
	TextBody     string       `json:"text_body"`
	ReceivedAt   string       `json:"received_at,omitempty"`
	Attachments  []Attachment `json:"attachments"`
}

// Validate reports whether the item carries the identifiers every storage key
// and record is built from.
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.ProjectID) == "" {
		return errors.New("work item has no project id")
	}
	if strings.TrimSpace(w.SourceItemID) == "" {
		return errors.New("work item has no source item id")
	}
	return nil
}

// AttachmentRef is the stored location of one original attachment.
type AttachmentRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// ProcessedResult is the persisted outcome of one successful pipeline run.
type ProcessedResult struct {
	ProjectID         string          `json:"project_id"`
	SourceItemID      string          `json:"source_item_id"`
	ProcessedAt       time.Time       `json:"processed_at"`
	Subject           string          `json:"subject"`
	From              EmailAddress    `json:"from"`
	SummaryURL        string          `json:"summary_url"`
	VisualizationURLs []string        `json:"visualization_urls"`
	AttachmentURLs    []string        `json:"attachment_urls"`
	Attachments       []AttachmentRef `json:"attachments"`
}
