package models

import (
	"time"
)

// NetworkSnapshot is one day's aggregate view of the registry, produced by
// the daily analytics job.
type NetworkSnapshot struct {
	Date            string    `json:"date"` // YYYY-MM-DD
	TotalServers    int       `json:"total_servers"`
	ActiveServers   int       `json:"active_servers"`
	VerifiedServers int       `json:"verified_servers"`
	NewServers      int       `json:"new_servers"`
	MeanUptime      float64   `json:"mean_uptime"`
	CreatedAt       time.Time `json:"created_at"`
}
