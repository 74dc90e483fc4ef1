package api

import (
	"net/http"

	models "optiver-forecast/database/models_pkg"
)

type ingestRequest struct {
	// Commit defaults to true; false runs the batch and rolls it back.
	Commit *bool               `json:"commit"`
	Data   []*models.StockData `json:"data" validate:"required,min=1"`
}

type ingestResponse struct {
	Message   string `json:"message"`
	Rows      int    `json:"rows"`
	DateIDs   []int  `json:"date_ids"`
	Committed bool   `json:"committed"`
}

// handleIngest writes a batch of rows and their date mappings atomically
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	commit := req.Commit == nil || *req.Commit

	res, err := s.ingest.Ingest(r.Context(), req.Data, commit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	message := "Data ingested successfully."
	if !commit {
		message = "Data validated successfully; nothing was committed."
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Message:   message,
		Rows:      res.Rows,
		DateIDs:   res.DateIDs,
		Committed: res.Committed,
	})
}

// handleCreateStockData stores one row, the target of the per-tick stream path
func (s *Server) handleCreateStockData(w http.ResponseWriter, r *http.Request) {
	var row models.StockData
	if err := decodeBody(r, &row); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.ingest.Ingest(r.Context(), []*models.StockData{&row}, true); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}
