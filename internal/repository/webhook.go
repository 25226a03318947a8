package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create stores a webhook. The caller is expected to have populated the
// signing secret already; see webhook.GenerateSecret.
func (r *WebhookRepository) Create(hook *models.Webhook) error {
	if hook.ID == "" {
		hook.ID = uuid.New().String()
	}
	hook.CreatedAt = time.Now().UTC()
	hook.UpdatedAt = hook.CreatedAt

	eventsJSON, err := json.Marshal(hook.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO webhooks (id, owner_id, url, events, description, active, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hook.ID, hook.OwnerID, hook.URL, string(eventsJSON),
		nullString(hook.Description), hook.Active, hook.Secret,
		hook.CreatedAt, hook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

// GetByID returns a webhook by ID.
func (r *WebhookRepository) GetByID(id string) (*models.Webhook, error) {
	row := r.db.QueryRow(`
		SELECT id, owner_id, url, events, description, active, secret, created_at, updated_at
		FROM webhooks WHERE id = ?`, id)
	return scanWebhook(row)
}

// ListByOwner returns all webhooks registered by an owner.
func (r *WebhookRepository) ListByOwner(ownerID string) ([]*models.Webhook, error) {
	rows, err := r.db.Query(`
		SELECT id, owner_id, url, events, description, active, secret, created_at, updated_at
		FROM webhooks WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListActiveForEvent returns active webhooks whose subscription set contains
// the event. Matching happens in Go: the events column is a JSON array and
// the active set is small enough that a table scan over active hooks is fine.
func (r *WebhookRepository) ListActiveForEvent(event models.Event) ([]*models.Webhook, error) {
	rows, err := r.db.Query(`
		SELECT id, owner_id, url, events, description, active, secret, created_at, updated_at
		FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hooks, err := scanWebhooks(rows)
	if err != nil {
		return nil, err
	}

	var matched []*models.Webhook
	for _, hook := range hooks {
		if hook.Subscribed(event) {
			matched = append(matched, hook)
		}
	}
	return matched, nil
}

// Update persists url, events, description and active flag.
func (r *WebhookRepository) Update(hook *models.Webhook) error {
	hook.UpdatedAt = time.Now().UTC()

	eventsJSON, err := json.Marshal(hook.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	res, err := r.db.Exec(`
		UPDATE webhooks SET url = ?, events = ?, description = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		hook.URL, string(eventsJSON), nullString(hook.Description),
		hook.Active, hook.UpdatedAt, hook.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return requireRow(res)
}

// UpdateSecret stores a regenerated signing secret.
func (r *WebhookRepository) UpdateSecret(id, secret string) error {
	res, err := r.db.Exec(`
		UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ?`,
		secret, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update webhook secret: %w", err)
	}
	return requireRow(res)
}

// Delete removes a webhook; delivery history cascades.
func (r *WebhookRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return requireRow(res)
}

// CreateDelivery records a pending delivery for one webhook and event.
func (r *WebhookRepository) CreateDelivery(delivery *models.WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}
	delivery.CreatedAt = time.Now().UTC()
	delivery.UpdatedAt = delivery.CreatedAt
	if delivery.Status == "" {
		delivery.Status = models.DeliveryPending
	}

	payloadJSON, err := json.Marshal(delivery.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID, delivery.WebhookID, delivery.Event, string(payloadJSON),
		delivery.Status, delivery.AttemptCount, delivery.CreatedAt, delivery.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// GetDelivery returns a delivery by ID.
func (r *WebhookRepository) GetDelivery(id string) (*models.WebhookDelivery, error) {
	delivery := &models.WebhookDelivery{}
	var payload string
	var responseCode sql.NullInt64
	var responseBody sql.NullString

	err := r.db.QueryRow(`
		SELECT id, webhook_id, event, payload, status, attempt_count, response_code, response_body, created_at, updated_at
		FROM webhook_deliveries WHERE id = ?`, id,
	).Scan(&delivery.ID, &delivery.WebhookID, &delivery.Event, &payload,
		&delivery.Status, &delivery.AttemptCount, &responseCode, &responseBody,
		&delivery.CreatedAt, &delivery.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &delivery.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if responseCode.Valid {
		code := int(responseCode.Int64)
		delivery.ResponseCode = &code
	}
	if responseBody.Valid {
		delivery.ResponseBody = responseBody.String
	}

	return delivery, nil
}

// UpdateDelivery persists status, attempt count and response capture.
func (r *WebhookRepository) UpdateDelivery(delivery *models.WebhookDelivery) error {
	delivery.UpdatedAt = time.Now().UTC()
	res, err := r.db.Exec(`
		UPDATE webhook_deliveries SET status = ?, attempt_count = ?, response_code = ?, response_body = ?, updated_at = ?
		WHERE id = ?`,
		delivery.Status, delivery.AttemptCount,
		nullInt(delivery.ResponseCode), nullString(delivery.ResponseBody),
		delivery.UpdatedAt, delivery.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return requireRow(res)
}

// ListDeliveries returns delivery history for a webhook, newest first.
func (r *WebhookRepository) ListDeliveries(webhookID string, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, webhook_id, event, payload, status, attempt_count, response_code, response_body, created_at, updated_at
		FROM webhook_deliveries WHERE webhook_id = ?
		ORDER BY created_at DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery := &models.WebhookDelivery{}
		var payload string
		var responseCode sql.NullInt64
		var responseBody sql.NullString

		err := rows.Scan(&delivery.ID, &delivery.WebhookID, &delivery.Event, &payload,
			&delivery.Status, &delivery.AttemptCount, &responseCode, &responseBody,
			&delivery.CreatedAt, &delivery.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &delivery.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		if responseCode.Valid {
			code := int(responseCode.Int64)
			delivery.ResponseCode = &code
		}
		if responseBody.Valid {
			delivery.ResponseBody = responseBody.String
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

// DeleteOldDeliveries trims delivery history: successful deliveries older
// than successCutoff, failed ones older than failureCutoff.
func (r *WebhookRepository) DeleteOldDeliveries(successCutoff, failureCutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM webhook_deliveries
		WHERE (status = 'success' AND created_at < ?)
		   OR (status = 'failed' AND created_at < ?)`,
		successCutoff, failureCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	return res.RowsAffected()
}

func scanWebhook(row *sql.Row) (*models.Webhook, error) {
	hook := &models.Webhook{}
	var events string
	var description sql.NullString

	err := row.Scan(&hook.ID, &hook.OwnerID, &hook.URL, &events,
		&description, &hook.Active, &hook.Secret, &hook.CreatedAt, &hook.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(events), &hook.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	if description.Valid {
		hook.Description = description.String
	}
	return hook, nil
}

func scanWebhooks(rows *sql.Rows) ([]*models.Webhook, error) {
	var hooks []*models.Webhook
	for rows.Next() {
		hook := &models.Webhook{}
		var events string
		var description sql.NullString

		err := rows.Scan(&hook.ID, &hook.OwnerID, &hook.URL, &events,
			&description, &hook.Active, &hook.Secret, &hook.CreatedAt, &hook.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &hook.Events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events: %w", err)
		}
		if description.Valid {
			hook.Description = description.String
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}
