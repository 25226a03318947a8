package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpnexus/nexus/internal/models"
)

type VerificationRepository struct {
	db *sql.DB
}

func NewVerificationRepository(db *sql.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// CreateRequest inserts a verification request and seeds the four fixed
// checks in one transaction. The partial unique index on non-terminal
// requests turns a duplicate in-flight request into ErrConflict, so two
// near-simultaneous creations cannot both succeed.
func (r *VerificationRepository) CreateRequest(req *models.VerificationRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	if req.Status == "" {
		req.Status = models.VerificationPending
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO verification_requests (id, server_id, status, verification_token, verification_token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ServerID, req.Status, req.Token, req.TokenExpiry,
		req.CreatedAt, req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create verification request: %w", err)
	}

	for _, ct := range models.CheckTypes {
		_, err = tx.Exec(`
			INSERT INTO verification_checks (id, request_id, check_type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), req.ID, ct, models.CheckPending,
			req.CreatedAt, req.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to seed %s check: %w", ct, err)
		}
	}

	return tx.Commit()
}

// GetRequest returns a verification request by ID.
func (r *VerificationRepository) GetRequest(id string) (*models.VerificationRequest, error) {
	return r.getRequest(`SELECT id, server_id, status, verification_token, verification_token_expiry,
		verification_method, verification_proof, created_at, updated_at, completed_at
		FROM verification_requests WHERE id = ?`, id)
}

// ActiveRequest returns the server's non-terminal request, or ErrNotFound.
func (r *VerificationRepository) ActiveRequest(serverID string) (*models.VerificationRequest, error) {
	return r.getRequest(`SELECT id, server_id, status, verification_token, verification_token_expiry,
		verification_method, verification_proof, created_at, updated_at, completed_at
		FROM verification_requests
		WHERE server_id = ? AND status IN ('pending', 'in_progress')`, serverID)
}

func (r *VerificationRepository) getRequest(query string, arg any) (*models.VerificationRequest, error) {
	req := &models.VerificationRequest{}
	var method, proof sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRow(query, arg).Scan(
		&req.ID, &req.ServerID, &req.Status, &req.Token, &req.TokenExpiry,
		&method, &proof, &req.CreatedAt, &req.UpdatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if method.Valid {
		req.Method = models.VerificationMethod(method.String)
	}
	if proof.Valid {
		req.Proof = proof.String
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}

	return req, nil
}

// UpdateRequest persists status, method, proof and completion timestamp.
func (r *VerificationRepository) UpdateRequest(req *models.VerificationRequest) error {
	req.UpdatedAt = time.Now().UTC()
	res, err := r.db.Exec(`
		UPDATE verification_requests
		SET status = ?, verification_method = ?, verification_proof = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		req.Status, nullString(string(req.Method)), nullString(req.Proof),
		req.UpdatedAt, nullTime(req.CompletedAt), req.ID)
	if err != nil {
		return fmt.Errorf("failed to update verification request: %w", err)
	}
	return requireRow(res)
}

// GetCheck returns the check of the given type for a request.
func (r *VerificationRepository) GetCheck(requestID string, ct models.CheckType) (*models.VerificationCheck, error) {
	check := &models.VerificationCheck{}
	var details, message sql.NullString

	err := r.db.QueryRow(`
		SELECT id, request_id, check_type, status, details, message, created_at, updated_at
		FROM verification_checks WHERE request_id = ? AND check_type = ?`,
		requestID, ct,
	).Scan(&check.ID, &check.RequestID, &check.Type, &check.Status,
		&details, &message, &check.CreatedAt, &check.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if details.Valid && details.String != "" {
		json.Unmarshal([]byte(details.String), &check.Details)
	}
	if message.Valid {
		check.Message = message.String
	}

	return check, nil
}

// ListChecks returns all checks for a request in execution order.
func (r *VerificationRepository) ListChecks(requestID string) ([]*models.VerificationCheck, error) {
	var checks []*models.VerificationCheck
	for _, ct := range models.CheckTypes {
		check, err := r.GetCheck(requestID, ct)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// UpdateCheck persists a check outcome with its diagnostic details.
func (r *VerificationRepository) UpdateCheck(check *models.VerificationCheck) error {
	check.UpdatedAt = time.Now().UTC()

	var detailsJSON sql.NullString
	if check.Details != nil {
		data, err := json.Marshal(check.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal check details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := r.db.Exec(`
		UPDATE verification_checks SET status = ?, details = ?, message = ?, updated_at = ?
		WHERE request_id = ? AND check_type = ?`,
		check.Status, detailsJSON, nullString(check.Message), check.UpdatedAt,
		check.RequestID, check.Type)
	if err != nil {
		return fmt.Errorf("failed to update %s check: %w", check.Type, err)
	}
	return requireRow(res)
}
