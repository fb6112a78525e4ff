package api

import (
	"net/http"

	"github.com/mam15mon/network/internal/dispatcher"
)

// CapabilitiesHandler serves the static execution catalog: which task kinds
// exist, which of them mutate device state, and which named capabilities the
// capability kind accepts.
type CapabilitiesHandler struct{}

// NewCapabilitiesHandler creates a new CapabilitiesHandler.
func NewCapabilitiesHandler() *CapabilitiesHandler {
	return &CapabilitiesHandler{}
}

// List handles GET /api/v1/capabilities.
func (h *CapabilitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"kinds":        dispatcher.Kinds(),
		"capabilities": dispatcher.Capabilities(),
	})
}
