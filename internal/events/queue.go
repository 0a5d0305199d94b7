package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueWebhooks is the asynq queue webhook deliveries are enqueued on.
	QueueWebhooks = "deesec:webhook"
	// TaskTypeDeliverWebhook is the task type for one webhook delivery.
	TaskTypeDeliverWebhook = "webhook:deliver"

	defaultMaxRetry = 8
)

// WebhookTaskPayload is the body of a TaskTypeDeliverWebhook task.
type WebhookTaskPayload struct {
	URL   string `json:"url"`
	Event Event  `json:"event"`
}

// NewWebhookTask constructs an asynq task delivering e to url.
func NewWebhookTask(url string, e Event) (*asynq.Task, error) {
	data, err := json.Marshal(WebhookTaskPayload{URL: url, Event: e})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDeliverWebhook, data), nil
}

// Enqueuer is the subset of *asynq.Client used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands webhook deliveries to an asynq queue instead of posting
// them inline, so deliveries survive a ledger restart and are retried by
// the worker.
type QueueSink struct {
	enqueuer Enqueuer
	urls     []string
	maxRetry int
}

// NewQueueSink creates a QueueSink enqueuing one task per URL per event.
func NewQueueSink(enqueuer Enqueuer, urls []string) *QueueSink {
	return &QueueSink{enqueuer: enqueuer, urls: urls, maxRetry: defaultMaxRetry}
}

// Name implements Sink.
func (s *QueueSink) Name() string { return "queue" }

// Deliver implements Sink.
func (s *QueueSink) Deliver(ctx context.Context, e Event) error {
	var errs []error
	for _, url := range s.urls {
		task, err := NewWebhookTask(url, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("build task: %w", err))
			continue
		}
		// The task ID makes re-enqueueing the same (event, url) pair a no-op.
		_, err = s.enqueuer.EnqueueContext(ctx, task,
			asynq.Queue(QueueWebhooks),
			asynq.MaxRetry(s.maxRetry),
			asynq.TaskID(e.ID.String()+"|"+url),
		)
		if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

// WebhookTaskHandler returns the asynq handler performing queued webhook
// deliveries. Retries are left to asynq.
func WebhookTaskHandler(secret string, hc *http.Client) asynq.HandlerFunc {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload WebhookTaskPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode webhook task: %v: %w", err, asynq.SkipRetry)
		}
		if payload.URL == "" {
			return fmt.Errorf("webhook task without url: %w", asynq.SkipRetry)
		}
		body, err := json.Marshal(payload.Event)
		if err != nil {
			return fmt.Errorf("marshal event: %v: %w", err, asynq.SkipRetry)
		}
		return Post(ctx, hc, payload.URL, body, secret)
	}
}
