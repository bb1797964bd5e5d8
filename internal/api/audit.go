package api

import (
	"net/http"
	"strconv"
)

// maxAuditLimit caps one audit query's result size.
const maxAuditLimit = 1000

// handleAuditEvents returns recent audit events, newest first.
// Query parameters: rule (filter by rule name), limit (default 100).
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeInternalError(w, "audit trail not configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		if n > maxAuditLimit {
			n = maxAuditLimit
		}
		limit = n
	}

	events, err := s.audit.Recent(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		s.logger.Error("querying audit events failed", "error", err)
		writeInternalError(w, "failed to query audit events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
