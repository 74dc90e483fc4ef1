package api

import (
	"net/http"

	"optiver-forecast/database/stockdata"
	"optiver-forecast/pagination"
)

func stockDataQuery(r *http.Request) (stockdata.Query, error) {
	q := r.URL.Query()
	var (
		out stockdata.Query
		err error
	)
	if out.StartDateID, err = optionalInt(q, "start_date_id"); err != nil {
		return out, err
	}
	if out.EndDateID, err = optionalInt(q, "end_date_id"); err != nil {
		return out, err
	}
	if out.DateID, err = optionalInt(q, "date_id"); err != nil {
		return out, err
	}
	if out.StockID, err = optionalInt(q, "stock_id"); err != nil {
		return out, err
	}
	out.TrainType = optionalString(q, "train_type")
	return out, nil
}

// handleGetStockData returns one page of rows for a date range or a single date
func (s *Server) handleGetStockData(w http.ResponseWriter, r *http.Request) {
	query, err := stockDataQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.stockData.List(r.Context(), query, req)
	if err == nil {
		page, err = pagination.NotFoundIfEmpty(page, "No data found")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
