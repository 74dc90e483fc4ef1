package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"optiver-forecast/cache"
	"optiver-forecast/config"
	"optiver-forecast/database"
	"optiver-forecast/database/datemappings"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/dates"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
	"optiver-forecast/pagination"
)

// 2024-06-03 is a Monday.
var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db      *gorm.DB
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.ConnectSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	store := datemappings.NewRepository(db.DB())
	dateCache := cache.NewDateMappingCache(nil, nil)
	newResolver := func(v dates.OffsetVariant) *dates.Resolver {
		return dates.NewResolver(store, dates.Options{
			TotalIDs: 20,
			Variant:  v,
			Cache:    dateCache,
			Now:      func() time.Time { return testNow },
		})
	}

	srv := NewServer(config.APIConfig{DefaultPageSize: 10, MaxPageSize: 100, AllowedOrigin: "*"}, Deps{
		DB:        db.DB(),
		Ingest:    ingest.NewService(db.DB(), newResolver(dates.Inclusive), nil),
		Resolver:  newResolver(dates.Exclusive),
		DateCache: dateCache,
		Logger:    logger.NewNop(),
	})
	return &testEnv{db: db.DB(), handler: srv.Routes()}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return string(decode[errorResponse](t, rec).Error.Kind)
}

func stockRows(dateID, n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"stock_id":          i,
			"date_id":           dateID,
			"seconds_in_bucket": 0,
			"wap":               1.0,
			"target":            -0.5,
			"far_price":         nil,
			"train_type":        "prod",
		}
	}
	return rows
}

func TestHealthcheck(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthcheck/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Healthy"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(logger.RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthcheck/", nil)
	req.Header.Set(logger.RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(logger.RequestIDHeader))
}

func TestIngestAndQueryStockData(t *testing.T) {
	env := newTestEnv(t)

	for _, d := range []int{19, 20, 21, 22, 23} {
		rec := env.do(t, http.MethodPost, "/ingest/", map[string]any{"data": stockRows(d, 1)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/get_stock_data/?start_date_id=20&end_date_id=22", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pagination.Page[models.StockData]](t, rec)
	assert.EqualValues(t, 3, page.TotalResults)
	var got []int
	for _, row := range page.Data {
		got = append(got, row.DateID)
		assert.Nil(t, row.FarPrice)
	}
	assert.Equal(t, []int{20, 21, 22}, got)
}

func TestGetStockDataPaging(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/ingest/", map[string]any{"data": stockRows(0, 25)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/get_stock_data/?date_id=0&page=3&page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pagination.Page[models.StockData]](t, rec)
	assert.Len(t, page.Data, 5)
	assert.EqualValues(t, 3, page.TotalPages)

	rec = env.do(t, http.MethodGet, "/get_stock_data/?date_id=0&page=9&page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	beyond := decode[pagination.Page[models.StockData]](t, rec)
	assert.Empty(t, beyond.Data)
	assert.EqualValues(t, 25, beyond.TotalResults)
	assert.EqualValues(t, 3, beyond.TotalPages)
}

func TestGetStockDataErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		target string
		status int
		kind   string
	}{
		{"no filters", "/get_stock_data/", http.StatusBadRequest, "missing_filter"},
		{"half range", "/get_stock_data/?start_date_id=0", http.StatusBadRequest, "missing_filter"},
		{"empty result", "/get_stock_data/?date_id=4", http.StatusNotFound, "not_found"},
		{"zero range is applied", "/get_stock_data/?start_date_id=0&end_date_id=0", http.StatusNotFound, "not_found"},
		{"bad integer", "/get_stock_data/?date_id=x", http.StatusBadRequest, "validation"},
		{"bad page", "/get_stock_data/?date_id=1&page=0", http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, errorKind(t, rec))
		})
	}
}

func TestIngestDryRunAndFailures(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ingest/", map[string]any{"commit": false, "data": stockRows(3, 2)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ingestResponse](t, rec).Committed)

	var n int64
	require.NoError(t, env.db.Model(&models.StockData{}).Count(&n).Error)
	assert.Zero(t, n)

	rec = env.do(t, http.MethodPost, "/ingest/", `{"data": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorKind(t, rec))

	rec = env.do(t, http.MethodPost, "/ingest/", map[string]any{"data": stockRows(-1, 1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_date_id", errorKind(t, rec))

	dup := append(stockRows(5, 1), stockRows(5, 1)...)
	rec = env.do(t, http.MethodPost, "/ingest/", map[string]any{"data": dup})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conflict", errorKind(t, rec))

	var mappings int64
	require.NoError(t, env.db.Model(&models.DateMapping{}).Where("date_id = 5").Count(&mappings).Error)
	assert.Zero(t, mappings, "a failed batch leaves no date mapping behind")
}

func TestCreateSingleStockRow(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/stock_data/", stockRows(2, 1)[0])
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2_0_0", decode[models.StockData](t, rec).RowID)
}

func TestModelLifecycle(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"model_name": "base", "model_artifact_path": "trained_models/base.json", "date_id": 3}
	rec := env.do(t, http.MethodPost, "/models/", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.Model](t, rec)

	rec = env.do(t, http.MethodPost, "/models/", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conflict", errorKind(t, rec))

	rec = env.do(t, http.MethodGet, "/models/?model_name=base", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[pagination.Page[models.Model]](t, rec).Data, 1)

	rec = env.do(t, http.MethodGet, "/models/?model_name=other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/model-inferences/", map[string]any{"model_id": created.ModelID, "date_id": 4, "predictions": "inference_data/inference_1_4.csv"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/model-inferences/?model_id=%d&date_id=4", created.ModelID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[pagination.Page[models.ModelInference]](t, rec).TotalResults)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/model-inferences/?model_id=%d", created.ModelID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_filter", errorKind(t, rec))

	rec = env.do(t, http.MethodPost, "/training-sessions/", map[string]any{"model_id": created.ModelID, "date_id": 3, "stock_ids": []int{1, 2}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/models/%d", created.ModelID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[deletionResponse](t, rec)
	assert.EqualValues(t, 1, report.Deleted.ModelInferences)
	assert.EqualValues(t, 1, report.Deleted.TrainingSessions)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/models/%d", created.ModelID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateModelValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/models/", map[string]any{"model_name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorKind(t, rec))
}

func TestDateMappings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/date_mappings/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// exclusive: 20 - (7 + 1) = 12 business days before Monday 2024-06-03
	rec = env.do(t, http.MethodGet, "/date_mappings/7?resolve=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"date_id":7,"date":"2024-05-16"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/date_mappings/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"date_id":7,"date":"2024-05-16"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/date_mappings/?date=2024-05-16", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[pagination.Page[models.DateMapping]](t, rec).TotalResults)

	rec = env.do(t, http.MethodGet, "/date_mappings/-1?resolve=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_date_id", errorKind(t, rec))
}

func TestDeleteDateMappingRemovesDependents(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/ingest/", map[string]any{"data": stockRows(6, 3)})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/models/", map[string]any{"model_name": "m", "model_artifact_path": "p", "date_id": 6})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodDelete, "/date_mappings/6", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[deletionResponse](t, rec)
	assert.EqualValues(t, 3, report.Deleted.StockData)
	assert.EqualValues(t, 1, report.Deleted.Models)
	assert.EqualValues(t, 1, report.Deleted.DateMappings)

	rec = env.do(t, http.MethodDelete, "/date_mappings/6", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), recoveryMiddleware(logger.NewNop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", errorKind(t, rec))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodOptions, "/models/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
