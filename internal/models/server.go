package models

import (
	"time"
)

// Server is an MCP server registered in the catalogue.
type Server struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	OwnerID  string `json:"owner_id"`
	Verified bool   `json:"verified"`

	// Liveness state maintained by the health aggregator
	IsActive      bool      `json:"is_active"`
	Uptime        float64   `json:"uptime"` // rolling 30-day percentage, 0-100
	LastChecked   time.Time `json:"last_checked"`
	StatusMessage string    `json:"status_message,omitempty"`

	// Capability names the owner registered for this server
	Capabilities []string `json:"capabilities"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthCheck is an append-only record of a single probe against a server.
type HealthCheck struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	IsUp         bool           `json:"is_up"`
	ResponseTime float64        `json:"response_time"` // seconds
	StatusCode   *int           `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
