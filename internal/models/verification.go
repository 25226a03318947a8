package models

import (
	"time"
)

// VerificationStatus is the lifecycle state of a verification request.
type VerificationStatus string

const (
	VerificationPending    VerificationStatus = "pending"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationCompleted  VerificationStatus = "completed"
	VerificationFailed     VerificationStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationCompleted || s == VerificationFailed
}

// VerificationMethod is the ownership-proof strategy chosen by the owner.
type VerificationMethod string

const (
	MethodDNS     VerificationMethod = "dns"
	MethodFile    VerificationMethod = "file"
	MethodMetaTag VerificationMethod = "meta_tag"
)

// ValidMethod reports whether m is one of the supported proof strategies.
func ValidMethod(m VerificationMethod) bool {
	switch m {
	case MethodDNS, MethodFile, MethodMetaTag:
		return true
	}
	return false
}

// VerificationRequest tracks one verification attempt for a server.
// At most one request per server may be non-terminal at any time.
type VerificationRequest struct {
	ID       string             `json:"id"`
	ServerID string             `json:"server_id"`
	Status   VerificationStatus `json:"status"`

	Token       string    `json:"verification_token"`
	TokenExpiry time.Time `json:"verification_token_expiry"`

	Method VerificationMethod `json:"verification_method,omitempty"`
	Proof  string             `json:"verification_proof,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TokenValid reports whether the verification token has not yet expired.
func (r *VerificationRequest) TokenValid(now time.Time) bool {
	return now.Before(r.TokenExpiry)
}

// CheckType identifies one of the four fixed verification steps.
type CheckType string

const (
	CheckOwnership    CheckType = "ownership"
	CheckHealth       CheckType = "health"
	CheckCapabilities CheckType = "capabilities"
	CheckSecurity     CheckType = "security"
)

// CheckTypes lists the four steps every verification request is seeded with,
// in execution order.
var CheckTypes = []CheckType{CheckOwnership, CheckHealth, CheckCapabilities, CheckSecurity}

// CheckStatus is the outcome state of a single verification check.
type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
)

// VerificationCheck is one step of a verification request. Exactly one row
// exists per (request, check type) pair.
type VerificationCheck struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Type      CheckType      `json:"check_type"`
	Status    CheckStatus    `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
