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

// Package inbound parses inbound-email webhook payloads into work items.
package inbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/mailbrief/pipeline/internal/models"
)

// ErrNoProject is returned when no project id can be resolved for an email.
var ErrNoProject = errors.New("no project id in inbound email")

// payload represents the relevant fields of a Postmark-style inbound webhook.
type payload struct {
	MessageID string `json:"MessageID"`
	From      string `json:"From"`
	FromName  string `json:"FromName"`
	FromFull  struct {
		Email string `json:"Email"`
		Name  string `json:"Name"`
	} `json:"FromFull"`
	ToFull []struct {
		Email       string `json:"Email"`
		Name        string `json:"Name"`
		MailboxHash string `json:"MailboxHash"`
	} `json:"ToFull"`
	OriginalRecipient string `json:"OriginalRecipient"`
	MailboxHash       string `json:"MailboxHash"`
	Subject           string `json:"Subject"`
	TextBody          string `json:"TextBody"`
	StrippedTextReply string `json:"StrippedTextReply"`
	Date              string `json:"Date"`
	Attachments       []struct {
		Name          string `json:"Name"`
		Content       string `json:"Content"`
		ContentType   string `json:"ContentType"`
		ContentLength int    `json:"ContentLength"`
	} `json:"Attachments"`
}

// Parse decodes an inbound webhook body into a WorkItem. fallbackProject is
// used when the payload itself carries no project id (e.g. a query
// parameter on the webhook URL).
func Parse(body io.Reader, fallbackProject string) (*models.WorkItem, error) {
	var p payload
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode inbound payload: %w", err)
	}

	if strings.TrimSpace(p.MessageID) == "" {
		return nil, errors.New("inbound payload has no MessageID")
	}

	projectID := resolveProject(&p, fallbackProject)
	if projectID == "" {
		return nil, ErrNoProject
	}

	item := &models.WorkItem{
		ProjectID:    projectID,
		SourceItemID: p.MessageID,
		From:         parseFrom(&p),
		Subject:      p.Subject,
		TextBody:     p.TextBody,
		ReceivedAt:   parseDate(p.Date),
		Attachments:  make([]models.Attachment, 0, len(p.Attachments)),
	}

	for _, a := range p.Attachments {
		item.Attachments = append(item.Attachments, models.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.ContentLength,
			Content:     a.Content,
		})
	}

	return item, nil
}

// resolveProject picks the project id from the mailbox hash, then the plus
// tag of the original recipient, then any To recipient's hash, then the
// fallback.
func resolveProject(p *payload, fallback string) string {
	if h := strings.TrimSpace(p.MailboxHash); h != "" {
		return h
	}
	if tag := plusTag(p.OriginalRecipient); tag != "" {
		return tag
	}
	for _, to := range p.ToFull {
		if h := strings.TrimSpace(to.MailboxHash); h != "" {
			return h
		}
	}
	return strings.TrimSpace(fallback)
}

// plusTag returns "tag" for "inbox+tag@example.com".
func plusTag(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	local, _, ok := strings.Cut(address, "@")
	if !ok {
		return ""
	}
	_, tag, ok := strings.Cut(local, "+")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tag)
}

func parseFrom(p *payload) models.EmailAddress {
	if p.FromFull.Email != "" {
		return models.EmailAddress{Address: p.FromFull.Email, Name: p.FromFull.Name}
	}
	if addr, err := mail.ParseAddress(p.From); err == nil {
		name := addr.Name
		if name == "" {
			name = p.FromName
		}
		return models.EmailAddress{Address: addr.Address, Name: name}
	}
	return models.EmailAddress{Address: p.From, Name: p.FromName}
}

// parseDate normalises an RFC 5322 date to RFC 3339, falling back to now.
func parseDate(s string) string {
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}
