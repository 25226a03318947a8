package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpnexus/nexus/internal/db"
	"github.com/mcpnexus/nexus/internal/models"
	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

type queuedTask struct {
	kind    string
	payload any
	delay   time.Duration
}

// captureQueue records enqueues instead of executing them, so tests can drive
// each delivery attempt by hand.
type captureQueue struct {
	tasks []queuedTask
}

func (q *captureQueue) Enqueue(ctx context.Context, kind string, payload any) error {
	q.tasks = append(q.tasks, queuedTask{kind: kind, payload: payload})
	return nil
}

func (q *captureQueue) EnqueueAfter(ctx context.Context, kind string, payload any, delay time.Duration) error {
	q.tasks = append(q.tasks, queuedTask{kind: kind, payload: payload, delay: delay})
	return nil
}

func (q *captureQueue) Dequeue(ctx context.Context) (*workqueue.Task, error) { return nil, nil }
func (q *captureQueue) Stats(ctx context.Context) (*workqueue.Stats, error) {
	return &workqueue.Stats{}, nil
}
func (q *captureQueue) Close() error { return nil }

type receivedRequest struct {
	header http.Header
	body   []byte
}

// receiver is the webhook endpoint under test: configurable status, captured
// requests.
type receiver struct {
	status   int
	requests []receivedRequest
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.requests = append(r.requests, receivedRequest{header: req.Header.Clone(), body: body})
	w.WriteHeader(r.status)
	io.WriteString(w, "received")
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	hooks      *repository.WebhookRepository
	queue      *captureQueue
	receiver   *receiver
	url        string
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	rcv := &receiver{status: http.StatusOK}
	ts := httptest.NewServer(rcv)
	t.Cleanup(ts.Close)

	queue := &captureQueue{}
	hooks := repository.NewWebhookRepository(database.DB)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := NewDispatcher(hooks, queue, Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 60 * time.Second,
	}, nil, logger)

	return &dispatcherFixture{
		dispatcher: dispatcher,
		hooks:      hooks,
		queue:      queue,
		receiver:   rcv,
		url:        ts.URL,
	}
}

func (f *dispatcherFixture) createHook(t *testing.T, active bool, events ...models.Event) *models.Webhook {
	t.Helper()
	hook := &models.Webhook{
		OwnerID: "owner-1",
		URL:     f.url,
		Events:  events,
		Active:  active,
		Secret:  GenerateSecret(),
	}
	if err := f.hooks.Create(hook); err != nil {
		t.Fatalf("Failed to create webhook: %v", err)
	}
	return hook
}

func (f *dispatcherFixture) createDelivery(t *testing.T, hookID string, payload map[string]any) *models.WebhookDelivery {
	t.Helper()
	delivery := &models.WebhookDelivery{
		WebhookID: hookID,
		Event:     models.EventServerVerified,
		Payload:   payload,
		Status:    models.DeliveryPending,
	}
	if err := f.hooks.CreateDelivery(delivery); err != nil {
		t.Fatalf("Failed to create delivery: %v", err)
	}
	return delivery
}

func TestTriggerFansOut(t *testing.T) {
	f := newDispatcherFixture(t)

	first := f.createHook(t, true, models.EventServerVerified)
	second := f.createHook(t, true, models.EventServerVerified, models.EventServerCreated)
	f.createHook(t, false, models.EventServerVerified)       // inactive
	f.createHook(t, true, models.EventServerStatusChanged)   // other event

	f.dispatcher.Trigger(context.Background(), models.EventServerVerified, map[string]any{"server_id": "X"})

	if len(f.queue.tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(f.queue.tasks))
	}
	for _, task := range f.queue.tasks {
		if task.kind != workqueue.KindWebhookDelivery || task.delay != 0 {
			t.Errorf("task = %+v", task)
		}
	}

	for _, hook := range []*models.Webhook{first, second} {
		deliveries, err := f.hooks.ListDeliveries(hook.ID, 0)
		if err != nil {
			t.Fatalf("ListDeliveries() error = %v", err)
		}
		if len(deliveries) != 1 {
			t.Errorf("hook %s has %d deliveries, want 1", hook.ID, len(deliveries))
			continue
		}
		if deliveries[0].Status != models.DeliveryPending {
			t.Errorf("delivery status = %q, want pending", deliveries[0].Status)
		}
		if deliveries[0].Payload["server_id"] != "X" {
			t.Errorf("payload = %v", deliveries[0].Payload)
		}
	}
}

func TestDeliverSignsAndSucceeds(t *testing.T) {
	f := newDispatcherFixture(t)
	hook := f.createHook(t, true, models.EventServerVerified)
	delivery := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X", "verified": true})

	if err := f.dispatcher.Deliver(context.Background(), delivery.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if len(f.receiver.requests) != 1 {
		t.Fatalf("receiver got %d requests, want 1", len(f.receiver.requests))
	}
	req := f.receiver.requests[0]

	if got := req.header.Get(HeaderEvent); got != "server.verified" {
		t.Errorf("%s = %q", HeaderEvent, got)
	}
	if got := req.header.Get(HeaderDelivery); got != delivery.ID {
		t.Errorf("%s = %q, want %q", HeaderDelivery, got, delivery.ID)
	}
	if got := req.header.Get(HeaderTimestamp); got == "" {
		t.Errorf("%s missing", HeaderTimestamp)
	}
	if got := req.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := req.header.Get("User-Agent"); got != "MCP-Nexus-Webhook/1.0" {
		t.Errorf("User-Agent = %q", got)
	}

	signature := req.header.Get(HeaderSignature)
	if len(signature) < 8 || signature[:7] != "sha256=" {
		t.Fatalf("%s = %q, want sha256= prefix", HeaderSignature, signature)
	}
	if !VerifySignature(hook.Secret, req.body, signature[7:]) {
		t.Error("delivered signature does not verify against the body")
	}

	got, _ := f.hooks.GetDelivery(delivery.ID)
	if got.Status != models.DeliverySuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", got.AttemptCount)
	}
	if got.ResponseCode == nil || *got.ResponseCode != 200 {
		t.Errorf("ResponseCode = %v", got.ResponseCode)
	}
	if got.ResponseBody != "received" {
		t.Errorf("ResponseBody = %q", got.ResponseBody)
	}
	if len(f.queue.tasks) != 0 {
		t.Errorf("successful delivery scheduled retries: %+v", f.queue.tasks)
	}
}

func TestDeliverRetriesOn5xxUntilExhausted(t *testing.T) {
	f := newDispatcherFixture(t)
	f.receiver.status = http.StatusServiceUnavailable
	hook := f.createHook(t, true, models.EventServerVerified)
	delivery := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X"})

	// The queue is mocked, so each redelivery is driven by hand.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := f.dispatcher.Deliver(context.Background(), delivery.ID); err != nil {
			t.Fatalf("Deliver() attempt %d error = %v", attempt, err)
		}
	}

	got, _ := f.hooks.GetDelivery(delivery.ID)
	if got.Status != models.DeliveryFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempts = %d, want 3", got.AttemptCount)
	}
	if got.ResponseCode == nil || *got.ResponseCode != 503 {
		t.Errorf("ResponseCode = %v", got.ResponseCode)
	}

	// Attempts 1 and 2 reschedule with doubling backoff; attempt 3 gives up.
	if len(f.queue.tasks) != 2 {
		t.Fatalf("scheduled %d retries, want 2: %+v", len(f.queue.tasks), f.queue.tasks)
	}
	if f.queue.tasks[0].delay != 60*time.Second {
		t.Errorf("first backoff = %v, want 60s", f.queue.tasks[0].delay)
	}
	if f.queue.tasks[1].delay != 120*time.Second {
		t.Errorf("second backoff = %v, want 120s", f.queue.tasks[1].delay)
	}
}

func TestDeliver4xxFailsPermanently(t *testing.T) {
	f := newDispatcherFixture(t)
	f.receiver.status = http.StatusNotFound
	hook := f.createHook(t, true, models.EventServerVerified)
	delivery := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X"})

	if err := f.dispatcher.Deliver(context.Background(), delivery.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	got, _ := f.hooks.GetDelivery(delivery.ID)
	if got.Status != models.DeliveryFailed || got.AttemptCount != 1 {
		t.Errorf("status = %q, attempts = %d", got.Status, got.AttemptCount)
	}
	if len(f.queue.tasks) != 0 {
		t.Errorf("4xx scheduled a retry: %+v", f.queue.tasks)
	}
}

func TestDeliverConnectionFailureRetries(t *testing.T) {
	f := newDispatcherFixture(t)
	hook := f.createHook(t, true, models.EventServerVerified)
	hook.URL = "http://127.0.0.1:1/hooks" // nothing listens here
	if err := f.hooks.Update(hook); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	delivery := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X"})

	if err := f.dispatcher.Deliver(context.Background(), delivery.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	got, _ := f.hooks.GetDelivery(delivery.ID)
	if got.Status != models.DeliveryFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ResponseCode != nil {
		t.Errorf("ResponseCode = %v, want nil for a connection failure", got.ResponseCode)
	}
	if got.ResponseBody == "" {
		t.Error("ResponseBody empty, want the transport error")
	}
	if len(f.queue.tasks) != 1 || f.queue.tasks[0].delay != 60*time.Second {
		t.Errorf("tasks = %+v, want one retry at 60s", f.queue.tasks)
	}
}

func TestDeliverInactiveWebhook(t *testing.T) {
	f := newDispatcherFixture(t)
	hook := f.createHook(t, false, models.EventServerVerified)
	delivery := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X"})

	if err := f.dispatcher.Deliver(context.Background(), delivery.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	got, _ := f.hooks.GetDelivery(delivery.ID)
	if got.Status != models.DeliveryFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempts = %d, want 0 without an HTTP attempt", got.AttemptCount)
	}
	if got.ResponseBody != "Webhook is inactive" {
		t.Errorf("ResponseBody = %q", got.ResponseBody)
	}
	if len(f.receiver.requests) != 0 {
		t.Error("inactive webhook was still called")
	}
}

func TestRetry(t *testing.T) {
	f := newDispatcherFixture(t)
	hook := f.createHook(t, true, models.EventServerVerified)

	failed := f.createDelivery(t, hook.ID, map[string]any{"server_id": "X"})
	failed.Status = models.DeliveryFailed
	failed.AttemptCount = 3
	if err := f.hooks.UpdateDelivery(failed); err != nil {
		t.Fatalf("UpdateDelivery() error = %v", err)
	}

	if err := f.dispatcher.Retry(context.Background(), failed.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if len(f.queue.tasks) != 1 || f.queue.tasks[0].delay != 0 {
		t.Errorf("tasks = %+v, want one immediate enqueue", f.queue.tasks)
	}

	succeeded := f.createDelivery(t, hook.ID, map[string]any{})
	succeeded.Status = models.DeliverySuccess
	f.hooks.UpdateDelivery(succeeded)
	if err := f.dispatcher.Retry(context.Background(), succeeded.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("error = %v, want ErrNotRetryable", err)
	}

	hook.Active = false
	f.hooks.Update(hook)
	if err := f.dispatcher.Retry(context.Background(), failed.ID); !errors.Is(err, ErrWebhookInactive) {
		t.Errorf("error = %v, want ErrWebhookInactive", err)
	}
}

func TestTestFire(t *testing.T) {
	f := newDispatcherFixture(t)
	hook := f.createHook(t, true, models.EventWebhookTest)

	deliveryID, err := f.dispatcher.TestFire(context.Background(), hook.ID)
	if err != nil {
		t.Fatalf("TestFire() error = %v", err)
	}

	delivery, err := f.hooks.GetDelivery(deliveryID)
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if delivery.Event != models.EventWebhookTest {
		t.Errorf("event = %q, want webhook.test", delivery.Event)
	}
	data, ok := delivery.Payload["data"].(map[string]any)
	if !ok || data["message"] != "This is a test webhook event" {
		t.Errorf("payload = %v", delivery.Payload)
	}
	if len(f.queue.tasks) != 1 {
		t.Errorf("enqueued %d tasks, want 1", len(f.queue.tasks))
	}

	hook.Active = false
	f.hooks.Update(hook)
	if _, err := f.dispatcher.TestFire(context.Background(), hook.ID); !errors.Is(err, ErrWebhookInactive) {
		t.Errorf("error = %v, want ErrWebhookInactive", err)
	}
}
