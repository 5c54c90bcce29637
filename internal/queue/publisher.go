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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailbrief/pipeline/internal/metrics"
	"github.com/mailbrief/pipeline/internal/models"
)

// Publisher sends work items to the processing queue as persistent messages.
type Publisher struct {
	manager *Manager
}

// NewPublisher creates a publisher on the manager's processing queue.
func NewPublisher(manager *Manager) *Publisher {
	return &Publisher{manager: manager}
}

// Publish serialises a work item and publishes it as a persistent message.
// It returns once the broker has confirmed the message; it does not wait for
// processing. There is no retry here: the webhook sender retries on a 5xx.
func (p *Publisher) Publish(ctx context.Context, item *models.WorkItem) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}

	messageID, err := p.PublishBody(ctx, body)
	if err != nil {
		return "", err
	}

	slog.Info("published work item to queue",
		"message_id", messageID,
		"project_id", item.ProjectID,
		"source_item_id", item.SourceItemID,
		"attachments", len(item.Attachments),
		"queue", p.manager.QueueName(),
	)

	return messageID, nil
}

// PublishBody publishes an already-encoded work item as a fresh message with
// a new message id and no attempt count.
func (p *Publisher) PublishBody(ctx context.Context, body []byte) (string, error) {
	ch, err := p.manager.Channel(ctx)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("get broker channel: %w", err)
	}

	messageID := uuid.NewString()

	err = ch.Publish(ctx, p.manager.QueueName(), amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		metrics.PublishesTotal.WithLabelValues("error").Inc()
		return "", err
	}

	metrics.PublishesTotal.WithLabelValues("ok").Inc()
	return messageID, nil
}

// Ping checks the broker connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.manager.Ping(ctx)
}
