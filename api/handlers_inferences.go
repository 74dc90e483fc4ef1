package api

import (
	"net/http"

	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

type createInferenceRequest struct {
	ModelID     int64  `json:"model_id" validate:"required"`
	DateID      *int   `json:"date_id" validate:"required,gte=0"`
	Predictions string `json:"predictions" validate:"required,max=255"`
}

// handleCreateInference records where the predictions of a model for a date live
func (s *Server) handleCreateInference(w http.ResponseWriter, r *http.Request) {
	var req createInferenceRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.resolver.GetOrCreate(r.Context(), *req.DateID); err != nil {
		writeError(w, r, err)
		return
	}

	inf := &models.ModelInference{ModelID: req.ModelID, DateID: *req.DateID, Predictions: req.Predictions}
	if err := s.inferences.Create(r.Context(), inf); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inf)
}

// handleListInferences requires both model_id and date_id
func (s *Server) handleListInferences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID, err := optionalInt64(q, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	dateID, err := optionalInt(q, "date_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.inferences.List(r.Context(), modelID, dateID, req)
	if err == nil {
		page, err = pagination.NotFoundIfEmpty(page, "Model inference not found")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
