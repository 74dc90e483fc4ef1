package client

import (
	"context"
	"net/url"
	"strconv"

	"optiver-forecast/apperr"
	"optiver-forecast/config"
	models "optiver-forecast/database/models_pkg"
)

// DataAPI wraps the data service endpoints the trainer needs.
type DataAPI struct {
	c             *Client
	modelPath     string
	dataPath      string
	inferencePath string
	sessionPath   string
	pageSize      int
}

// NewDataAPI builds a DataAPI from the trainer configuration.
func NewDataAPI(c *Client, cfg config.TrainerConfig) *DataAPI {
	size := cfg.FetchPageSize
	if size <= 0 {
		size = 1000
	}
	return &DataAPI{
		c:             c,
		modelPath:     cfg.ModelAPI,
		dataPath:      cfg.DataAPI,
		inferencePath: cfg.InferenceAPI,
		sessionPath:   "/training-sessions/",
		pageSize:      size,
	}
}

// Window selects the stock data a job reads. A range is used when both
// bounds are set, otherwise DateID.
type Window struct {
	StartDateID *int `json:"start_date_id,omitempty"`
	EndDateID   *int `json:"end_date_id,omitempty"`
	DateID      *int `json:"date_id,omitempty"`
}

// Query renders the window as request parameters.
func (w Window) Query() url.Values {
	q := url.Values{}
	if w.StartDateID != nil {
		q.Set("start_date_id", strconv.Itoa(*w.StartDateID))
	}
	if w.EndDateID != nil {
		q.Set("end_date_id", strconv.Itoa(*w.EndDateID))
	}
	if w.DateID != nil {
		q.Set("date_id", strconv.Itoa(*w.DateID))
	}
	return q
}

// AnchorDateID is the date id a model trained on the window is recorded under.
func (w Window) AnchorDateID() (int, bool) {
	switch {
	case w.StartDateID != nil && w.EndDateID != nil:
		return *w.EndDateID, true
	case w.DateID != nil:
		return *w.DateID, true
	}
	return 0, false
}

// GetModel fetches a model record by id.
func (a *DataAPI) GetModel(ctx context.Context, modelID int64) (*models.Model, error) {
	q := url.Values{"model_id": {strconv.FormatInt(modelID, 10)}}
	page, err := GetPage[models.Model](ctx, a.c, a.modelPath, q, 1, 1)
	if err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, apperr.NotFound("model %d not found", modelID)
	}
	return &page.Data[0], nil
}

// StockData fetches every row of the window.
func (a *DataAPI) StockData(ctx context.Context, w Window) ([]models.StockData, error) {
	return GetAll[models.StockData](ctx, a.c, a.dataPath, w.Query(), a.pageSize)
}

// NewModel is the body of a model create request.
type NewModel struct {
	ModelName         string `json:"model_name"`
	ModelArtifactPath string `json:"model_artifact_path"`
	DateID            int    `json:"date_id"`
}

// CreateModel records a trained model.
func (a *DataAPI) CreateModel(ctx context.Context, m NewModel) (*models.Model, error) {
	var out models.Model
	if err := a.c.PostJSON(ctx, a.modelPath, m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewInference is the body of a model inference create request.
type NewInference struct {
	ModelID     int64  `json:"model_id"`
	DateID      int    `json:"date_id"`
	Predictions string `json:"predictions"`
}

// CreateInference records where predictions were stored.
func (a *DataAPI) CreateInference(ctx context.Context, in NewInference) (*models.ModelInference, error) {
	var out models.ModelInference
	if err := a.c.PostJSON(ctx, a.inferencePath, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewTrainingSession is the body of a training session create request.
type NewTrainingSession struct {
	ModelID  int64   `json:"model_id"`
	DateID   int     `json:"date_id"`
	StockIDs []int64 `json:"stock_ids"`
}

// CreateTrainingSession records the stocks a model was trained on.
func (a *DataAPI) CreateTrainingSession(ctx context.Context, s NewTrainingSession) (*models.TrainingSession, error) {
	var out models.TrainingSession
	if err := a.c.PostJSON(ctx, a.sessionPath, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListModels fetches every model record.
func (a *DataAPI) ListModels(ctx context.Context) ([]models.Model, error) {
	return GetAll[models.Model](ctx, a.c, a.modelPath, url.Values{}, a.pageSize)
}

// Inferences fetches the inference records of a model for one date.
func (a *DataAPI) Inferences(ctx context.Context, modelID int64, dateID int) ([]models.ModelInference, error) {
	q := url.Values{
		"model_id": {strconv.FormatInt(modelID, 10)},
		"date_id":  {strconv.Itoa(dateID)},
	}
	return GetAll[models.ModelInference](ctx, a.c, a.inferencePath, q, a.pageSize)
}
