package api

import (
	"net/http"
	"strings"
	"time"

	"optiver-forecast/apperr"
	"optiver-forecast/database"
	"optiver-forecast/database/datemappings"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

// handleListDateMappings lists persisted mappings, optionally by id or date
func (s *Server) handleListDateMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query datemappings.Query

	dateID, err := optionalInt(q, "date_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	query.DateID = dateID

	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, r, apperr.Validation("date must be YYYY-MM-DD, got %q", raw))
			return
		}
		query.Date = &d
	}

	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.mappings.List(r.Context(), query, req)
	if err == nil {
		page, err = pagination.NotFoundIfEmpty(page, "Date mapping not found")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetDateMapping returns one mapping. With resolve=true a missing
// mapping is computed and persisted.
func (s *Server) handleGetDateMapping(w http.ResponseWriter, r *http.Request) {
	dateID, err := dateIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("resolve") == "true" {
		m, err := s.resolver.GetOrCreate(r.Context(), dateID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, models.DateMapping{DateID: m.DateID, Date: m.Date})
		return
	}

	m, err := s.mappings.Get(r.Context(), dateID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m == nil {
		writeError(w, r, apperr.NotFound("Date mapping %d not found", dateID))
		return
	}
	writeJSON(w, http.StatusOK, models.DateMapping{DateID: m.DateID, Date: m.Date})
}

type deletionResponse struct {
	Message string                  `json:"message"`
	Deleted database.DeletionReport `json:"deleted"`
}

// handleDeleteDateMapping removes a mapping and every row that references it
func (s *Server) handleDeleteDateMapping(w http.ResponseWriter, r *http.Request) {
	dateID, err := dateIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := database.DeleteDateMapping(r.Context(), s.db, dateID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.dateCache != nil {
		s.dateCache.Forget(r.Context(), dateID)
	}
	writeJSON(w, http.StatusOK, deletionResponse{Message: "Date mapping deleted", Deleted: report})
}
