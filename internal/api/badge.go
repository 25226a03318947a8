package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Badge colors keyed on the verified flag.
const (
	badgeVerifiedColor   = "#10b981"
	badgeUnverifiedColor = "#64748b"
)

const badgeTemplate = `<svg xmlns="http://www.w3.org/2000/svg" width="110" height="20" role="img" aria-label="MCP Nexus: %[1]s">
  <rect width="60" height="20" fill="#334155"/>
  <rect x="60" width="50" height="20" fill="%[2]s"/>
  <g fill="#fff" text-anchor="middle" font-family="Verdana,Geneva,DejaVu Sans,sans-serif" font-size="9">
    <text x="30" y="14">MCP Nexus</text>
    <text x="85" y="14">%[1]s</text>
  </g>
</svg>`

// handleBadge handles GET /servers/{id}/badge.svg. Stateless rendering keyed
// only on the verified flag, so the badge is safe to serve without auth.
func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	server, err := s.servers.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	label, color := "Unverified", badgeUnverifiedColor
	if server.Verified {
		label, color = "Verified", badgeVerifiedColor
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "max-age=300")
	fmt.Fprintf(w, badgeTemplate, label, color)
}
