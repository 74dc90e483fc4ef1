package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"optiver-forecast/apperr"
	"optiver-forecast/client"
	"optiver-forecast/config"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/logger"
	"optiver-forecast/objectstore"
	"optiver-forecast/training/gbdt"
)

// Object key prefixes of the artifacts written by the pipelines.
const (
	ModelPrefix     = "trained_models"
	InferencePrefix = "inference_data"
)

// DataSource is the part of the data service the pipelines talk to.
type DataSource interface {
	GetModel(ctx context.Context, modelID int64) (*models.Model, error)
	StockData(ctx context.Context, w client.Window) ([]models.StockData, error)
	CreateModel(ctx context.Context, m client.NewModel) (*models.Model, error)
	CreateInference(ctx context.Context, in client.NewInference) (*models.ModelInference, error)
	CreateTrainingSession(ctx context.Context, s client.NewTrainingSession) (*models.TrainingSession, error)
}

// TrainRequest asks for a model trained on a window of stock data. A zero
// ModelID trains from scratch, otherwise boosting continues from that model.
type TrainRequest struct {
	ModelID   int64  `json:"model_id"`
	ModelName string `json:"model_name"`
	client.Window
}

// Validate checks the request before it is queued. The model name becomes
// the artifact file name, so it must be a single path element.
func (r TrainRequest) Validate() error {
	if r.ModelName == "" {
		return apperr.Validation("model_name is required")
	}
	if r.ModelName == "." || r.ModelName == ".." || strings.ContainsAny(r.ModelName, `/\`) ||
		filepath.Base(r.ModelName) != r.ModelName {
		return apperr.Validation("model_name must not contain path separators, got %q", r.ModelName)
	}
	if _, ok := r.AnchorDateID(); !ok {
		return apperr.MissingFilter("Please provide either a valid date range or valid date id")
	}
	return nil
}

// TrainResult describes a finished training run.
type TrainResult struct {
	ModelID      int64     `json:"model_id"`
	ArtifactPath string    `json:"model_artifact_path"`
	DateID       int       `json:"date_id"`
	Rows         int       `json:"rows"`
	FoldMAE      []float64 `json:"fold_mae"`
	MeanMAE      float64   `json:"mean_mae"`
}

// InferenceRequest asks for predictions of a model for a date. Features
// come from the day before PredDateID.
type InferenceRequest struct {
	ModelID    int64 `json:"model_id"`
	PredDateID int   `json:"pred_date_id"`
}

// Validate checks the request before it is queued.
func (r InferenceRequest) Validate() error {
	if r.ModelID <= 0 {
		return apperr.Validation("model_id must be positive")
	}
	if r.PredDateID <= 1 {
		return apperr.Validation("pred_date_id must be greater than 1, got %d", r.PredDateID)
	}
	return nil
}

// InferenceResult describes a finished inference run.
type InferenceResult struct {
	InferenceID  int64  `json:"inference_id"`
	ArtifactPath string `json:"predictions"`
	Rows         int    `json:"rows"`
}

// Pipeline runs training and inference against the data service and the
// object store.
type Pipeline struct {
	data   DataSource
	store  objectstore.Store
	cfg    config.TrainerConfig
	params gbdt.Params
	now    func() time.Time
	log    *logger.Logger
}

// NewPipeline creates a pipeline. Boosting parameters come from cfg.
func NewPipeline(data DataSource, store objectstore.Store, cfg config.TrainerConfig, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		data:  data,
		store: store,
		cfg:   cfg,
		params: gbdt.Params{
			Rounds:              cfg.Rounds,
			LearningRate:        cfg.LearningRate,
			EarlyStoppingRounds: cfg.EarlyStopping,
		},
		now: time.Now,
		log: log,
	}
}

// Train fetches the window, cross-validates, uploads the last fold's model
// and records it with its training session.
func (p *Pipeline) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	if err := req.Validate(); err != nil {
		return TrainResult{}, err
	}
	anchor, _ := req.AnchorDateID()

	log := logger.FromContext(ctx, p.log).WithFields(logger.NewField("model_name", req.ModelName))
	dir, cleanup, err := p.artifactDir(log)
	if err != nil {
		return TrainResult{}, err
	}
	defer cleanup()

	var base *gbdt.Model
	if req.ModelID > 0 {
		if base, err = p.loadModel(ctx, req.ModelID, dir); err != nil {
			return TrainResult{}, err
		}
		log.Info("loaded base model", logger.NewField("model_id", req.ModelID), logger.NewField("trees", len(base.Trees)))
	}

	rows, err := p.data.StockData(ctx, req.Window)
	if err != nil {
		return TrainResult{}, err
	}
	rows = Labeled(rows)
	if len(rows) == 0 {
		return TrainResult{}, apperr.NotFound("no labeled production rows in the requested window")
	}

	x := Matrix(rows)
	y := make([]float64, len(rows))
	for i := range rows {
		y[i] = *rows[i].Target
	}

	cv, err := CrossValidate(x, y, p.folds(), p.params, base)
	if err != nil {
		return TrainResult{}, apperr.Validation("training failed: %v", err)
	}
	log.Info("cross validation finished",
		logger.NewField("rows", len(rows)),
		logger.NewField("fold_mae", cv.MAE),
		logger.NewField("mean_mae", cv.MeanMAE()),
	)

	final := cv.Last()
	final.Features = FeatureNames
	fileName := req.ModelName + ".json"
	local := filepath.Join(dir, fileName)
	if err := final.SaveFile(local); err != nil {
		return TrainResult{}, apperr.Wrap(apperr.KindInternal, err, "failed to write model artifact")
	}
	key := objectstore.Key(ModelPrefix, fileName)
	if err := p.store.Upload(ctx, local, key); err != nil {
		return TrainResult{}, err
	}
	log.Info("model uploaded", logger.NewField("key", key))

	created, err := p.data.CreateModel(ctx, client.NewModel{ModelName: req.ModelName, ModelArtifactPath: key, DateID: anchor})
	if err != nil {
		return TrainResult{}, err
	}
	if _, err := p.data.CreateTrainingSession(ctx, client.NewTrainingSession{
		ModelID:  created.ModelID,
		DateID:   anchor,
		StockIDs: stockIDs(rows),
	}); err != nil {
		return TrainResult{}, err
	}

	log.Info("training completed", logger.NewField("model_id", created.ModelID))
	return TrainResult{
		ModelID:      created.ModelID,
		ArtifactPath: key,
		DateID:       anchor,
		Rows:         len(rows),
		FoldMAE:      cv.MAE,
		MeanMAE:      cv.MeanMAE(),
	}, nil
}

// Inference predicts every production row of the day before PredDateID and
// records the uploaded predictions under PredDateID.
func (p *Pipeline) Inference(ctx context.Context, req InferenceRequest) (InferenceResult, error) {
	if err := req.Validate(); err != nil {
		return InferenceResult{}, err
	}

	log := logger.FromContext(ctx, p.log).WithFields(
		logger.NewField("model_id", req.ModelID),
		logger.NewField("pred_date_id", req.PredDateID),
	)
	dir, cleanup, err := p.artifactDir(log)
	if err != nil {
		return InferenceResult{}, err
	}
	defer cleanup()

	model, err := p.loadModel(ctx, req.ModelID, dir)
	if err != nil {
		return InferenceResult{}, err
	}

	featureDate := req.PredDateID - 1
	log.Info("fetching inference data", logger.NewField("date_id", featureDate))
	rows, err := p.data.StockData(ctx, client.Window{DateID: &featureDate})
	if err != nil {
		return InferenceResult{}, err
	}
	rows = Production(rows)
	if len(rows) == 0 {
		return InferenceResult{}, apperr.NotFound("no production rows for date_id %d", featureDate)
	}
	if model.NumFeatures != len(FeatureNames) {
		return InferenceResult{}, apperr.Validation("model %d expects %d features, pipeline builds %d", req.ModelID, model.NumFeatures, len(FeatureNames))
	}

	preds := model.PredictAll(Matrix(rows))
	fileName := fmt.Sprintf("inference_%d_%d.csv", req.ModelID, req.PredDateID)
	local := filepath.Join(dir, fileName)
	if err := writePredictionsFile(local, rows, preds); err != nil {
		return InferenceResult{}, apperr.Wrap(apperr.KindInternal, err, "failed to write predictions")
	}
	key := objectstore.Key(InferencePrefix, fileName)
	if err := p.store.Upload(ctx, local, key); err != nil {
		return InferenceResult{}, err
	}
	log.Info("predictions uploaded", logger.NewField("key", key), logger.NewField("rows", len(rows)))

	inf, err := p.data.CreateInference(ctx, client.NewInference{ModelID: req.ModelID, DateID: req.PredDateID, Predictions: key})
	if err != nil {
		return InferenceResult{}, err
	}
	return InferenceResult{InferenceID: inf.ID, ArtifactPath: key, Rows: len(rows)}, nil
}

func (p *Pipeline) folds() int {
	if p.cfg.Folds < 2 {
		return 5
	}
	return p.cfg.Folds
}

// artifactDir creates a scratch directory for one run. Removal failures are
// only logged.
func (p *Pipeline) artifactDir(log *logger.Logger) (string, func(), error) {
	root := p.cfg.ArtifactDir
	if root == "" {
		root = "artifacts"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, err, "failed to create artifact root")
	}
	dir, err := os.MkdirTemp(root, strconv.FormatInt(p.now().Unix(), 10)+"-")
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, err, "failed to create artifact directory")
	}
	log.Debug("artifact directory ready", logger.NewField("dir", dir))
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to clean up artifacts", logger.NewField("dir", dir), logger.NewField("error", err.Error()))
		}
	}, nil
}

func (p *Pipeline) loadModel(ctx context.Context, modelID int64, dir string) (*gbdt.Model, error) {
	rec, err := p.data.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	local, err := p.store.Download(ctx, rec.ModelArtifactPath, dir)
	if err != nil {
		return nil, err
	}
	m, err := gbdt.LoadFile(local)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("artifact %s of model %d is not a usable model", rec.ModelArtifactPath, modelID))
	}
	return m, nil
}

func writePredictionsFile(path string, rows []models.StockData, preds []float64) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WritePredictions(f, rows, preds)
}

func stockIDs(rows []models.StockData) []int64 {
	seen := make(map[int]struct{})
	var ids []int64
	for _, r := range rows {
		if _, ok := seen[r.StockID]; ok {
			continue
		}
		seen[r.StockID] = struct{}{}
		ids = append(ids, int64(r.StockID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
