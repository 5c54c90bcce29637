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

// Package webhook receives inbound-email webhooks from the mail provider and
// queues each email for processing. The provider retries on any non-2xx
// response, so a 200 is only returned once the work item is durably queued.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/mailbrief/pipeline/internal/inbound"
	"github.com/mailbrief/pipeline/internal/metrics"
	"github.com/mailbrief/pipeline/internal/models"
)

// maxBodyBytes bounds an inbound payload; attachments arrive inline.
const maxBodyBytes = 50 << 20

// Publisher enqueues a work item and returns its message id.
type Publisher interface {
	Publish(ctx context.Context, item *models.WorkItem) (string, error)
}

// Deduper suppresses repeated deliveries of the same email.
type Deduper interface {
	IsNew(ctx context.Context, projectID, sourceItemID string) (bool, error)
	Forget(ctx context.Context, projectID, sourceItemID string) error
}

// Options configures a Handler.
type Options struct {
	// Token, when set, must be presented as X-Webhook-Token or as the basic
	// auth password.
	Token string
	// RateLimit is the sustained requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Handler processes inbound-email webhooks.
type Handler struct {
	publisher Publisher
	filter    Deduper
	token     string
	limiter   *rate.Limiter
}

// NewHandler creates an inbound webhook handler. filter may be nil.
func NewHandler(publisher Publisher, filter Deduper, opts Options) *Handler {
	h := &Handler{
		publisher: publisher,
		filter:    filter,
		token:     opts.Token,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return h
}

// ServeInbound handles an inbound email webhook.
//
//   - 200 {"status":"queued","message_id":...} once the item is queued
//   - 200 {"status":"duplicate"} if the email was already queued
//   - 400 for an unreadable payload or one with no project id
//   - 401 for a missing or wrong token
//   - 429 when the receive rate is exceeded
//   - 500 if queuing failed; the provider will retry
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if !h.authorized(r) {
		metrics.WebhookRequestsTotal.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		metrics.WebhookRequestsTotal.WithLabelValues("rate_limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	item, err := inbound.Parse(http.MaxBytesReader(w, r.Body, maxBodyBytes), r.URL.Query().Get("project"))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("invalid").Inc()
		slog.Warn("rejecting inbound webhook", "error", err)
		msg := "invalid payload"
		if errors.Is(err, inbound.ErrNoProject) {
			msg = "no project id"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	ctx := r.Context()
	log := slog.With("project_id", item.ProjectID, "source_item_id", item.SourceItemID)

	if h.filter != nil {
		isNew, err := h.filter.IsNew(ctx, item.ProjectID, item.SourceItemID)
		if err != nil {
			log.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			metrics.WebhookRequestsTotal.WithLabelValues("duplicate").Inc()
			log.Info("skipping duplicate inbound email")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	messageID, err := h.publisher.Publish(ctx, item)
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
		log.Error("failed to queue inbound email", "error", err)
		if h.filter != nil {
			if ferr := h.filter.Forget(context.WithoutCancel(ctx), item.ProjectID, item.SourceItemID); ferr != nil {
				log.Warn("failed to release dedup key", "error", ferr)
			}
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues("queued").Inc()
	log.Info("inbound email queued", "message_id", messageID, "attachments", len(item.Attachments))
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "message_id": messageID})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	presented := r.Header.Get("X-Webhook-Token")
	if presented == "" {
		if _, pass, ok := r.BasicAuth(); ok {
			presented = pass
		}
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Routes returns the webhook mux. extra handlers (health, metrics) are
// mounted alongside the inbound endpoint.
func Routes(handler *Handler, extra map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound", handler.ServeInbound)
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}
	return mux
}
