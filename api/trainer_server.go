package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"optiver-forecast/client"
	"optiver-forecast/config"
	"optiver-forecast/database/jobs"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
	"optiver-forecast/pagination"
	"optiver-forecast/realtime"
	"optiver-forecast/training"
)

// TrainerServer exposes the training and inference job queue
type TrainerServer struct {
	db       *gorm.DB
	jobs     *jobs.Repository
	runner   *training.Runner
	broker   *realtime.Broker
	validate *validator.Validate
	cfg      config.TrainerConfig
	log      *logger.Logger
}

// NewTrainerServer creates the job service. broker serves GET /jobs/events.
func NewTrainerServer(cfg config.TrainerConfig, db *gorm.DB, runner *training.Runner, broker *realtime.Broker, log *logger.Logger) *TrainerServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &TrainerServer{
		db:       db,
		jobs:     jobs.NewRepository(db),
		runner:   runner,
		broker:   broker,
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
	}
}

// Routes builds the handler with every route and middleware attached.
func (s *TrainerServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /train-model/", s.handleTrain)
	mux.HandleFunc("POST /inference-model/", s.handleInference)

	mux.HandleFunc("GET /jobs/", s.handleListJobs)
	mux.Handle("GET /jobs/events", s.broker)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)

	mux.HandleFunc("GET /healthcheck/", healthHandler(s.db))
	mux.Handle("GET /metrics", metrics.Handler())

	return chain(mux,
		recoveryMiddleware(s.log),
		requestIDMiddleware(s.log),
		loggingMiddleware(s.log),
		metricsMiddleware("trainer"),
		corsMiddleware("*"),
	)
}

// Start serves on the configured port until ctx is cancelled.
func (s *TrainerServer) Start(ctx context.Context) error {
	return serve(ctx, fmt.Sprintf("0.0.0.0:%d", s.cfg.Port), s.Routes(), s.log, "Trainer server")
}

type trainRequest struct {
	ModelID     int64  `json:"model_id" validate:"gte=0"`
	ModelName   string `json:"model_name" validate:"required,max=255,excludesall=/\\"`
	StartDateID *int   `json:"start_date_id" validate:"omitempty,gte=0"`
	EndDateID   *int   `json:"end_date_id" validate:"omitempty,gte=0"`
	DateID      *int   `json:"date_id" validate:"omitempty,gte=0"`
}

type inferenceRequest struct {
	ModelID    int64 `json:"model_id" validate:"required,gt=0"`
	PredDateID *int  `json:"pred_date_id" validate:"required"`
}

// handleTrain queues a training job and returns it with 202
func (s *TrainerServer) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.runner.SubmitTrain(r.Context(), training.TrainRequest{
		ModelID:   req.ModelID,
		ModelName: req.ModelName,
		Window:    client.Window{StartDateID: req.StartDateID, EndDateID: req.EndDateID, DateID: req.DateID},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleInference queues an inference job and returns it with 202
func (s *TrainerServer) handleInference(w http.ResponseWriter, r *http.Request) {
	var req inferenceRequest
	if err := decodeAndValidate(r, s.validate, &req); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.runner.SubmitInference(r.Context(), training.InferenceRequest{ModelID: req.ModelID, PredDateID: *req.PredDateID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *TrainerServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := pagination.RequestFromQuery(q, pagination.DefaultPageSize, 1000)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.jobs.List(r.Context(), jobs.Query{
		Status: optionalString(q, "status"),
		Kind:   optionalString(q, "kind"),
	}, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *TrainerServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetryJob re-queues a failed job
func (s *TrainerServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
