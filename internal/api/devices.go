package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthwire/hearth-core/internal/hub"
)

// handleGetDevice reads one device through the hub: label, type,
// current attribute values, and supported commands.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeInternalError(w, "hub not configured")
		return
	}

	id := chi.URLParam(r, "id")
	device, err := s.devices.Device(r.Context(), id)
	switch {
	case errors.Is(err, hub.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, hub.ErrHubUnavailable):
		writeError(w, http.StatusBadGateway, "hub_unavailable", "hub is unreachable")
	case err != nil:
		s.logger.Error("loading device failed", "device", id, "error", err)
		writeInternalError(w, "failed to load device")
	default:
		writeJSON(w, http.StatusOK, device)
	}
}
