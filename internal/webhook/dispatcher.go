// Package webhook implements the outbound event notification pipeline:
// signed payload delivery with bounded retry and durable delivery records.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mcpnexus/nexus/internal/metrics"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

var (
	// ErrWebhookInactive is returned when an operation needs an active webhook.
	ErrWebhookInactive = errors.New("webhook is inactive")

	// ErrNotRetryable is returned by Retry for deliveries not in failed state.
	ErrNotRetryable = errors.New("only failed deliveries can be retried")
)

// Delivery headers carried on every webhook POST.
const (
	HeaderEvent     = "X-MCP-Nexus-Event"
	HeaderDelivery  = "X-MCP-Nexus-Delivery"
	HeaderSignature = "X-MCP-Nexus-Signature"
	HeaderTimestamp = "X-MCP-Nexus-Timestamp"

	userAgent = "MCP-Nexus-Webhook/1.0"
)

// maxResponseBody caps how much of the receiver's response is persisted.
const maxResponseBody = 1000

// deliveryPayload is the task payload carried through the work queue.
type deliveryPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// Config tunes the dispatcher.
type Config struct {
	Timeout     time.Duration // per-POST timeout
	MaxAttempts int           // total attempts including the first
	BackoffBase time.Duration // delay before attempt 2; doubles per attempt
}

// Dispatcher fans events out to subscribed webhooks and performs deliveries.
type Dispatcher struct {
	hooks      *repository.WebhookRepository
	queue      workqueue.Queue
	httpClient *http.Client
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(hooks *repository.WebhookRepository, queue workqueue.Queue, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 60 * time.Second
	}
	return &Dispatcher{
		hooks:      hooks,
		queue:      queue,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "webhook"),
	}
}

// RegisterHandler binds the delivery task kind on the processor.
func (d *Dispatcher) RegisterHandler(p *workqueue.Processor) {
	p.Register(workqueue.KindWebhookDelivery, func(ctx context.Context, task *workqueue.Task) error {
		var payload deliveryPayload
		if err := workqueue.DecodePayload(task, &payload); err != nil {
			return err
		}
		return d.Deliver(ctx, payload.DeliveryID)
	})
}

// Trigger fires an event: for every active webhook subscribed to it, a
// pending delivery record is created and a delivery task enqueued. Triggering
// is fire-and-forget for the caller; failures are logged, never propagated.
func (d *Dispatcher) Trigger(ctx context.Context, event models.Event, payload map[string]any) {
	hooks, err := d.hooks.ListActiveForEvent(event)
	if err != nil {
		d.logger.Error("failed to load webhooks for event", "event", event, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.EventsTriggeredTotal.WithLabelValues(string(event)).Inc()
	}
	if len(hooks) == 0 {
		return
	}

	d.logger.Info("triggering webhooks", "event", event, "count", len(hooks))

	for _, hook := range hooks {
		delivery := &models.WebhookDelivery{
			WebhookID: hook.ID,
			Event:     event,
			Payload:   payload,
			Status:    models.DeliveryPending,
		}
		if err := d.hooks.CreateDelivery(delivery); err != nil {
			d.logger.Error("failed to create delivery", "webhook_id", hook.ID, "error", err)
			continue
		}
		if err := d.queue.Enqueue(ctx, workqueue.KindWebhookDelivery, deliveryPayload{DeliveryID: delivery.ID}); err != nil {
			d.logger.Error("failed to enqueue delivery", "delivery_id", delivery.ID, "error", err)
		}
	}
}

// Deliver performs one delivery attempt. On a 5xx response or a
// connection-level failure it reschedules itself with exponential backoff
// until MaxAttempts is reached; 4xx responses fail permanently.
func (d *Dispatcher) Deliver(ctx context.Context, deliveryID string) error {
	delivery, err := d.hooks.GetDelivery(deliveryID)
	if err != nil {
		return fmt.Errorf("delivery %s: %w", deliveryID, err)
	}

	hook, err := d.hooks.GetByID(delivery.WebhookID)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", delivery.WebhookID, err)
	}

	logger := d.logger.With("delivery_id", delivery.ID, "webhook_id", hook.ID, "event", delivery.Event)

	// An inactive webhook fails the delivery without an HTTP attempt.
	if !hook.Active {
		delivery.Status = models.DeliveryFailed
		delivery.ResponseBody = "Webhook is inactive"
		if err := d.hooks.UpdateDelivery(delivery); err != nil {
			return err
		}
		logger.Info("skipped delivery to inactive webhook")
		return nil
	}

	// Count the attempt before any I/O so a crash mid-send is still counted.
	delivery.AttemptCount++
	if err := d.hooks.UpdateDelivery(delivery); err != nil {
		return err
	}

	canonical, err := CanonicalJSON(delivery.Payload)
	if err != nil {
		delivery.Status = models.DeliveryFailed
		delivery.ResponseBody = err.Error()
		return d.hooks.UpdateDelivery(delivery)
	}
	signature := Sign(hook.Secret, canonical)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(canonical))
	if err != nil {
		delivery.Status = models.DeliveryFailed
		delivery.ResponseBody = err.Error()
		return d.hooks.UpdateDelivery(delivery)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(delivery.Event))
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderSignature, "sha256="+signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.DeliveryDurationSeconds.Observe(elapsed.Seconds())
	}

	if err != nil {
		// Connection-level failure: retryable.
		delivery.Status = models.DeliveryFailed
		delivery.ResponseBody = truncateBody(err.Error())
		if updateErr := d.hooks.UpdateDelivery(delivery); updateErr != nil {
			return updateErr
		}
		logger.Warn("delivery failed", "error", err, "attempt", delivery.AttemptCount)
		return d.maybeRetry(ctx, delivery, logger)
	}
	defer resp.Body.Close()

	body := readBody(resp)
	code := resp.StatusCode
	delivery.ResponseCode = &code
	delivery.ResponseBody = truncateBody(body)

	if code >= 200 && code < 300 {
		delivery.Status = models.DeliverySuccess
		if err := d.hooks.UpdateDelivery(delivery); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		}
		logger.Info("delivery succeeded", "status_code", code, "attempt", delivery.AttemptCount)
		return nil
	}

	delivery.Status = models.DeliveryFailed
	if err := d.hooks.UpdateDelivery(delivery); err != nil {
		return err
	}
	logger.Warn("delivery failed", "status_code", code, "attempt", delivery.AttemptCount)

	// Only server-side errors are retryable; a 4xx is the receiver telling
	// us the request itself is wrong.
	if code >= 500 {
		return d.maybeRetry(ctx, delivery, logger)
	}
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

// maybeRetry reschedules a failed delivery with exponential backoff
// (base, 2*base, ...) while attempts remain; backoff waits happen in the
// queue, never in a worker.
func (d *Dispatcher) maybeRetry(ctx context.Context, delivery *models.WebhookDelivery, logger *slog.Logger) error {
	if delivery.AttemptCount >= d.cfg.MaxAttempts {
		if d.metrics != nil {
			d.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		}
		logger.Error("delivery failed permanently", "attempts", delivery.AttemptCount)
		return nil
	}

	backoff := d.cfg.BackoffBase * (1 << (delivery.AttemptCount - 1))
	if d.metrics != nil {
		d.metrics.DeliveryRetriesTotal.Inc()
	}
	logger.Info("delivery deferred", "attempt", delivery.AttemptCount, "backoff", backoff)
	return d.queue.EnqueueAfter(ctx, workqueue.KindWebhookDelivery, deliveryPayload{DeliveryID: delivery.ID}, backoff)
}

// Retry requeues a failed delivery on explicit request. The webhook must
// still be active; the attempt count is not reset.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID string) error {
	delivery, err := d.hooks.GetDelivery(deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status != models.DeliveryFailed {
		return ErrNotRetryable
	}

	hook, err := d.hooks.GetByID(delivery.WebhookID)
	if err != nil {
		return err
	}
	if !hook.Active {
		return ErrWebhookInactive
	}

	d.logger.Info("queued delivery for retry", "delivery_id", deliveryID)
	return d.queue.Enqueue(ctx, workqueue.KindWebhookDelivery, deliveryPayload{DeliveryID: deliveryID})
}

// TestFire sends a synthetic webhook.test event through the normal delivery
// path so owners can validate their receiver end to end.
func (d *Dispatcher) TestFire(ctx context.Context, webhookID string) (string, error) {
	hook, err := d.hooks.GetByID(webhookID)
	if err != nil {
		return "", err
	}
	if !hook.Active {
		return "", ErrWebhookInactive
	}

	delivery := &models.WebhookDelivery{
		WebhookID: hook.ID,
		Event:     models.EventWebhookTest,
		Payload: map[string]any{
			"event":      string(models.EventWebhookTest),
			"webhook_id": hook.ID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"data": map[string]any{
				"message": "This is a test webhook event",
			},
		},
		Status: models.DeliveryPending,
	}
	if err := d.hooks.CreateDelivery(delivery); err != nil {
		return "", err
	}
	if err := d.queue.Enqueue(ctx, workqueue.KindWebhookDelivery, deliveryPayload{DeliveryID: delivery.ID}); err != nil {
		return "", err
	}
	return delivery.ID, nil
}

func truncateBody(s string) string {
	if len(s) <= maxResponseBody {
		return s
	}
	return s[:maxResponseBody]
}
