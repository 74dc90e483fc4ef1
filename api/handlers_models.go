package api

import (
	"net/http"

	"optiver-forecast/database/mlmodels"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

type createModelRequest struct {
	ModelName         string `json:"model_name" validate:"required,max=255"`
	ModelArtifactPath string `json:"model_artifact_path" validate:"required,max=255"`
	DateID            *int   `json:"date_id" validate:"required,gte=0"`
}

// handleCreateModel records a trained model. The model's date is resolved
// first so the foreign key holds.
func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.resolver.GetOrCreate(r.Context(), *req.DateID); err != nil {
		writeError(w, r, err)
		return
	}

	m := &models.Model{ModelName: req.ModelName, ModelArtifactPath: req.ModelArtifactPath, DateID: *req.DateID}
	if err := s.models.Create(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleListModels filters by model_id, or by model_name when no id is given
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID, err := optionalInt64(q, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.models.List(r.Context(), mlmodels.Query{ModelID: modelID, ModelName: optionalString(q, "model_name")}, req)
	if err == nil {
		page, err = pagination.NotFoundIfEmpty(page, "Model not found")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.models.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleDeleteModel removes a model with its inferences and training sessions
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.models.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletionResponse{Message: "Model deleted", Deleted: report})
}

type createTrainingSessionRequest struct {
	ModelID  int64   `json:"model_id" validate:"required"`
	DateID   *int    `json:"date_id" validate:"required,gte=0"`
	StockIDs []int64 `json:"stock_ids"`
}

func (s *Server) handleCreateTrainingSession(w http.ResponseWriter, r *http.Request) {
	var req createTrainingSessionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.resolver.GetOrCreate(r.Context(), *req.DateID); err != nil {
		writeError(w, r, err)
		return
	}

	session := &models.TrainingSession{ModelID: req.ModelID, DateID: *req.DateID, StockIDs: req.StockIDs}
	if err := s.models.CreateSession(r.Context(), session); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListTrainingSessions(w http.ResponseWriter, r *http.Request) {
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

	page, err := s.models.ListSessions(r.Context(), modelID, dateID, req)
	if err == nil {
		page, err = pagination.NotFoundIfEmpty(page, "Training session not found")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
