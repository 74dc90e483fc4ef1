// Package dashboard renders models, predictions and stock data as terminal
// tables.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"optiver-forecast/apperr"
	"optiver-forecast/client"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/dates"
	"optiver-forecast/logger"
	"optiver-forecast/objectstore"
	"optiver-forecast/pagination"
	"optiver-forecast/training"
)

// Source reads the records shown on the dashboard. *client.DataAPI
// implements it.
type Source interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	Inferences(ctx context.Context, modelID int64, dateID int) ([]models.ModelInference, error)
	StockData(ctx context.Context, w client.Window) ([]models.StockData, error)
}

// Options controls how date ids are shown.
type Options struct {
	TotalIDs    int
	Variant     dates.OffsetVariant
	Calendar    *dates.Calendar
	Now         func() time.Time
	ArtifactDir string
}

// Dashboard builds and prints the views.
type Dashboard struct {
	src   Source
	store objectstore.Store
	opts  Options
	out   io.Writer
	log   *logger.Logger
}

// New creates a dashboard writing to out.
func New(src Source, store objectstore.Store, opts Options, out io.Writer, log *logger.Logger) *Dashboard {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Calendar == nil {
		opts.Calendar = dates.NewCalendar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = os.TempDir()
	}
	return &Dashboard{src: src, store: store, opts: opts, out: out, log: log}
}

// DateOf is the calendar date shown for dateID.
func (d *Dashboard) DateOf(dateID int) (time.Time, error) {
	return dates.Compute(dateID, d.opts.TotalIDs, d.opts.Variant, d.opts.Now(), d.opts.Calendar)
}

// ModelsView lists models, newest training date first.
type ModelsView struct {
	Models []models.Model
	Dates  map[int]time.Time
	// NextDateID is the date id the next model would be trained on.
	NextDateID int
}

// Latest returns the most recently trained model.
func (v ModelsView) Latest() (models.Model, bool) {
	if len(v.Models) == 0 {
		return models.Model{}, false
	}
	return v.Models[0], true
}

// LoadModels builds the models view.
func (d *Dashboard) LoadModels(ctx context.Context) (ModelsView, error) {
	list, err := d.src.ListModels(ctx)
	if err != nil {
		return ModelsView{}, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].DateID != list[j].DateID {
			return list[i].DateID > list[j].DateID
		}
		return list[i].ModelID > list[j].ModelID
	})

	v := ModelsView{Models: list, Dates: make(map[int]time.Time)}
	if len(list) > 0 {
		v.NextDateID = min(list[0].DateID+1, d.opts.TotalIDs)
	}
	for _, id := range append(dateIDsOf(list), v.NextDateID) {
		if _, ok := v.Dates[id]; ok {
			continue
		}
		day, err := d.DateOf(id)
		if err != nil {
			return ModelsView{}, err
		}
		v.Dates[id] = day
	}
	return v, nil
}

func dateIDsOf(list []models.Model) []int {
	ids := make([]int, len(list))
	for i, m := range list {
		ids[i] = m.DateID
	}
	return ids
}

// PredictionRow is one prediction with its wall-clock time.
type PredictionRow struct {
	training.Prediction
	Time time.Time
}

func predictionField(r PredictionRow, field string) (any, bool) {
	switch field {
	case "stock_id":
		return r.StockID, true
	case "seconds_in_bucket":
		return r.SecondsInBucket, true
	}
	return nil, false
}

// PredictionsView holds one page of the predictions of one inference run.
// MAE covers every selected row, not only the page.
type PredictionsView struct {
	ModelID    int64
	DateID     int
	Date       time.Time
	Artifact   string
	Rows       []PredictionRow
	Total      int64
	Page       int
	TotalPages int64
	MAE        float64
	Evaluated  int
}

// LoadPredictions downloads the latest inference artifact of a model for
// dateID and returns the requested page in artifact order. With stockID set
// only that stock's rows are kept.
func (d *Dashboard) LoadPredictions(ctx context.Context, modelID int64, dateID int, stockID *int, page pagination.Request) (PredictionsView, error) {
	if err := page.Validate(); err != nil {
		return PredictionsView{}, err
	}
	runs, err := d.src.Inferences(ctx, modelID, dateID)
	if err != nil {
		return PredictionsView{}, err
	}
	if len(runs) == 0 {
		return PredictionsView{}, apperr.NotFound("no inference for model %d on date_id %d", modelID, dateID)
	}
	latest := runs[0]
	for _, r := range runs[1:] {
		if r.ID > latest.ID {
			latest = r
		}
	}

	preds, err := d.downloadPredictions(ctx, latest.Predictions)
	if err != nil {
		return PredictionsView{}, err
	}

	day, err := d.DateOf(dateID)
	if err != nil {
		return PredictionsView{}, err
	}
	v := PredictionsView{ModelID: modelID, DateID: dateID, Date: day, Artifact: latest.Predictions}

	var f pagination.Filters
	pagination.OptionalEq(&f, "stock_id", stockID)

	all := make([]PredictionRow, 0, len(preds))
	var absErr float64
	for _, p := range preds {
		ts, err := dates.RowTimestamp(p.RowID, d.DateOf)
		if err != nil {
			return PredictionsView{}, err
		}
		row := PredictionRow{Prediction: p, Time: ts}
		all = append(all, row)
		if p.Target != nil && f.Match(func(field string) (any, bool) { return predictionField(row, field) }) {
			absErr += math.Abs(*p.Target - p.Value)
			v.Evaluated++
		}
	}
	if v.Evaluated > 0 {
		v.MAE = absErr / float64(v.Evaluated)
	}

	paged, err := pagination.ResolveSlice(all, f, page, predictionField, nil)
	if err != nil {
		return PredictionsView{}, err
	}
	v.Rows = paged.Data
	v.Total = paged.TotalResults
	v.Page = paged.Page
	v.TotalPages = paged.TotalPages
	return v, nil
}

func (d *Dashboard) downloadPredictions(ctx context.Context, key string) ([]training.Prediction, error) {
	dir, err := os.MkdirTemp(d.opts.ArtifactDir, "dashboard-")
	if err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			d.log.Warn("failed to remove download dir", logger.NewField("dir", dir), logger.NewField("error", err.Error()))
		}
	}()

	path, err := d.store.Download(ctx, key, dir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	preds, err := training.ReadPredictions(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "unreadable predictions artifact "+key)
	}
	return preds, nil
}

// StockRow is one snapshot of a stock with its wall-clock time.
type StockRow struct {
	models.StockData
	Time time.Time
}

// StockView holds the snapshots of one stock on one date.
type StockView struct {
	StockID int
	DateID  int
	Date    time.Time
	Rows    []StockRow
}

// LoadStockData builds the stock view ordered by seconds in bucket.
func (d *Dashboard) LoadStockData(ctx context.Context, dateID, stockID int) (StockView, error) {
	rows, err := d.src.StockData(ctx, client.Window{StartDateID: &dateID, EndDateID: &dateID})
	if err != nil {
		return StockView{}, err
	}
	day, err := d.DateOf(dateID)
	if err != nil {
		return StockView{}, err
	}

	v := StockView{StockID: stockID, DateID: dateID, Date: day}
	for _, r := range rows {
		if r.StockID != stockID {
			continue
		}
		v.Rows = append(v.Rows, StockRow{StockData: r, Time: dates.Timestamp(day, r.SecondsInBucket)})
	}
	sort.Slice(v.Rows, func(i, j int) bool { return v.Rows[i].SecondsInBucket < v.Rows[j].SecondsInBucket })
	return v, nil
}

// Models prints the models view.
func (d *Dashboard) Models(ctx context.Context) error {
	v, err := d.LoadModels(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(d.out, RenderModels(v))
	return err
}

// Predictions prints one page of the predictions view.
func (d *Dashboard) Predictions(ctx context.Context, modelID int64, dateID int, stockID *int, page pagination.Request) error {
	v, err := d.LoadPredictions(ctx, modelID, dateID, stockID, page)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(d.out, RenderPredictions(v))
	return err
}

// StockData prints the stock view.
func (d *Dashboard) StockData(ctx context.Context, dateID, stockID int) error {
	v, err := d.LoadStockData(ctx, dateID, stockID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(d.out, RenderStock(v))
	return err
}
