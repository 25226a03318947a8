package models

import (
	"time"
)

// Event is a webhook event name from the fixed vocabulary.
type Event string

const (
	EventServerCreated         Event = "server.created"
	EventServerUpdated         Event = "server.updated"
	EventServerDeleted         Event = "server.deleted"
	EventServerVerified        Event = "server.verified"
	EventVerificationRequested Event = "verification.requested"
	EventVerificationCompleted Event = "verification.completed"
	EventServerStatusChanged   Event = "server.status_changed"
	EventWebhookTest           Event = "webhook.test"
)

// Events lists every subscribable event name.
var Events = []Event{
	EventServerCreated,
	EventServerUpdated,
	EventServerDeleted,
	EventServerVerified,
	EventVerificationRequested,
	EventVerificationCompleted,
	EventServerStatusChanged,
	EventWebhookTest,
}

// ValidEvent reports whether e is part of the fixed event vocabulary.
func ValidEvent(e Event) bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Webhook is an owner-registered subscription to registry events.
type Webhook struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	URL         string    `json:"url"`
	Events      []Event   `json:"events"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	Secret      string    `json:"-"` // HMAC signing key, never serialized
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscribed reports whether the webhook listens for the given event.
func (w *Webhook) Subscribed(e Event) bool {
	for _, ev := range w.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery records one outbound notification and its attempts.
type WebhookDelivery struct {
	ID        string         `json:"id"`
	WebhookID string         `json:"webhook_id"`
	Event     Event          `json:"event"`
	Payload   map[string]any `json:"payload"`
	Status    DeliveryStatus `json:"status"`

	AttemptCount int    `json:"attempt_count"`
	ResponseCode *int   `json:"response_code,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
