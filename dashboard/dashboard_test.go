package dashboard

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiver-forecast/apperr"
	"optiver-forecast/client"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/dates"
	"optiver-forecast/objectstore"
	"optiver-forecast/pagination"
)

type fakeSource struct {
	models     []models.Model
	inferences []models.ModelInference
	rows       []models.StockData
	window     client.Window
}

func (f *fakeSource) ListModels(context.Context) ([]models.Model, error) {
	return f.models, nil
}

func (f *fakeSource) Inferences(_ context.Context, modelID int64, dateID int) ([]models.ModelInference, error) {
	var out []models.ModelInference
	for _, in := range f.inferences {
		if in.ModelID == modelID && in.DateID == dateID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeSource) StockData(_ context.Context, w client.Window) ([]models.StockData, error) {
	f.window = w
	return f.rows, nil
}

const predictionsCSV = `row_id,stock_id,date_id,seconds_in_bucket,target,prediction
9_0_1,1,9,0,1.5,1
9_10_1,1,9,10,-2,-1
9_0_2,2,9,0,,0.25
`

func newTestDashboard(t *testing.T, src Source) (*Dashboard, *bytes.Buffer) {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	src1 := filepath.Join(t.TempDir(), "inference_3_10.csv")
	require.NoError(t, os.WriteFile(src1, []byte(predictionsCSV), 0o644))
	require.NoError(t, store.Upload(context.Background(), src1, "inference_data/inference_3_10.csv"))

	var out bytes.Buffer
	d := New(src, store, Options{
		TotalIDs:    10,
		Variant:     dates.Inclusive,
		Now:         func() time.Time { return time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) },
		ArtifactDir: t.TempDir(),
	}, &out, nil)
	return d, &out
}

func TestModelsNewestFirst(t *testing.T) {
	src := &fakeSource{models: []models.Model{
		{ModelID: 1, ModelName: "optiver-7", DateID: 7, ModelArtifactPath: "trained_models/optiver-7.json"},
		{ModelID: 2, ModelName: "optiver-9", DateID: 9, ModelArtifactPath: "trained_models/optiver-9.json"},
		{ModelID: 3, ModelName: "optiver-8", DateID: 8, ModelArtifactPath: "trained_models/optiver-8.json"},
	}}
	d, out := newTestDashboard(t, src)

	v, err := d.LoadModels(context.Background())
	require.NoError(t, err)
	latest, ok := v.Latest()
	require.True(t, ok)
	assert.Equal(t, "optiver-9", latest.ModelName)
	assert.Equal(t, []int64{2, 3, 1}, []int64{v.Models[0].ModelID, v.Models[1].ModelID, v.Models[2].ModelID})
	assert.Equal(t, 10, v.NextDateID)
	assert.Equal(t, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), v.Dates[9])
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), v.Dates[10])
	assert.Equal(t, time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC), v.Dates[7])

	require.NoError(t, d.Models(context.Background()))
	assert.Contains(t, out.String(), "Latest model: optiver-9 (id 2)")
	assert.Contains(t, out.String(), "trained_models/optiver-8.json")
	assert.Contains(t, out.String(), "2024-05-30")
}

func TestModelsEmpty(t *testing.T) {
	d, out := newTestDashboard(t, &fakeSource{})
	require.NoError(t, d.Models(context.Background()))
	assert.Contains(t, out.String(), "No models found.")
}

func TestPredictionsForStock(t *testing.T) {
	src := &fakeSource{inferences: []models.ModelInference{
		{ID: 1, ModelID: 3, DateID: 10, Predictions: "inference_data/missing.csv"},
		{ID: 4, ModelID: 3, DateID: 10, Predictions: "inference_data/inference_3_10.csv"},
	}}
	d, out := newTestDashboard(t, src)
	stock := 1

	v, err := d.LoadPredictions(context.Background(), 3, 10, &stock, firstPage)
	require.NoError(t, err)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, time.Date(2024, 5, 31, 15, 51, 10, 0, time.UTC), v.Rows[1].Time)
	assert.Equal(t, 2, v.Evaluated)
	assert.InDelta(t, 0.75, v.MAE, 1e-9)

	require.NoError(t, d.Predictions(context.Background(), 3, 10, nil, firstPage))
	assert.Contains(t, out.String(), "9_0_2")
	assert.Contains(t, out.String(), "15:51:10")
	assert.Contains(t, out.String(), "3 rows, MAE 0.7500 over 2 rows with a target")
}

var firstPage = pagination.Request{Page: 1, PageSize: 50}

func TestPredictionsPaging(t *testing.T) {
	src := &fakeSource{inferences: []models.ModelInference{
		{ID: 4, ModelID: 3, DateID: 10, Predictions: "inference_data/inference_3_10.csv"},
	}}
	d, out := newTestDashboard(t, src)
	ctx := context.Background()

	v, err := d.LoadPredictions(ctx, 3, 10, nil, pagination.Request{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, v.Rows, 1)
	assert.EqualValues(t, 3, v.Total)
	assert.EqualValues(t, 2, v.TotalPages)
	assert.Equal(t, 2, v.Evaluated, "MAE spans every page")

	require.NoError(t, d.Predictions(ctx, 3, 10, nil, pagination.Request{Page: 1, PageSize: 2}))
	assert.Contains(t, out.String(), "3 rows, page 1 of 2")

	out.Reset()
	require.NoError(t, d.Predictions(ctx, 3, 10, nil, pagination.Request{Page: 9, PageSize: 2}))
	assert.Contains(t, out.String(), "Page 9 is past the last page (2).")

	_, err = d.LoadPredictions(ctx, 3, 10, nil, pagination.Request{})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestPredictionsNotFound(t *testing.T) {
	d, _ := newTestDashboard(t, &fakeSource{})
	_, err := d.LoadPredictions(context.Background(), 3, 10, nil, firstPage)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestStockData(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	src := &fakeSource{rows: []models.StockData{
		{RowID: "8_20_5", StockID: 5, DateID: 8, SecondsInBucket: 20, WAP: f(1.01), Target: f(-3)},
		{RowID: "8_0_4", StockID: 4, DateID: 8, SecondsInBucket: 0, WAP: f(1)},
		{RowID: "8_0_5", StockID: 5, DateID: 8, SecondsInBucket: 0, WAP: f(1)},
	}}
	d, out := newTestDashboard(t, src)

	v, err := d.LoadStockData(context.Background(), 8, 5)
	require.NoError(t, err)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, "8_0_5", v.Rows[0].RowID)
	assert.Equal(t, time.Date(2024, 5, 30, 15, 51, 20, 0, time.UTC), v.Rows[1].Time)
	assert.Equal(t, 8, *src.window.StartDateID)
	assert.Equal(t, 8, *src.window.EndDateID)

	require.NoError(t, d.StockData(context.Background(), 8, 7))
	assert.Contains(t, out.String(), "No available data for the selected stock.")
}
