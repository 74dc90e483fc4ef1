package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"optiver-forecast/cache"
	"optiver-forecast/config"
	"optiver-forecast/database/datemappings"
	"optiver-forecast/database/inferences"
	"optiver-forecast/database/mlmodels"
	"optiver-forecast/database/stockdata"
	"optiver-forecast/dates"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

// Server handles the data service HTTP API
type Server struct {
	db         *gorm.DB
	stockData  *stockdata.Repository
	mappings   *datemappings.Repository
	models     *mlmodels.Repository
	inferences *inferences.Repository
	ingest     *ingest.Service
	resolver   *dates.Resolver
	dateCache  *cache.DateMappingCache
	validate   *validator.Validate
	cfg        config.APIConfig
	log        *logger.Logger
}

// Deps are the collaborators of the data service.
type Deps struct {
	DB        *gorm.DB
	Ingest    *ingest.Service
	Resolver  *dates.Resolver // uses the API offset variant
	DateCache *cache.DateMappingCache
	Logger    *logger.Logger
}

// NewServer creates a new API server instance
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		db:         deps.DB,
		stockData:  stockdata.NewRepository(deps.DB),
		mappings:   datemappings.NewRepository(deps.DB),
		models:     mlmodels.NewRepository(deps.DB),
		inferences: inferences.NewRepository(deps.DB),
		ingest:     deps.Ingest,
		resolver:   deps.Resolver,
		dateCache:  deps.DateCache,
		validate:   validator.New(),
		cfg:        cfg,
		log:        log,
	}
}

// Routes builds the handler with every route and middleware attached.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Ingest
	mux.HandleFunc("POST /ingest/", s.handleIngest)
	mux.HandleFunc("POST /stock_data/", s.handleCreateStockData)

	// Stock data
	mux.HandleFunc("GET /get_stock_data/", s.handleGetStockData)

	// Date mappings
	mux.HandleFunc("GET /date_mappings/", s.handleListDateMappings)
	mux.HandleFunc("GET /date_mappings/{date_id}", s.handleGetDateMapping)
	mux.HandleFunc("DELETE /date_mappings/{date_id}", s.handleDeleteDateMapping)

	// Models
	mux.HandleFunc("POST /models/", s.handleCreateModel)
	mux.HandleFunc("GET /models/", s.handleListModels)
	mux.HandleFunc("GET /models/{model_id}", s.handleGetModel)
	mux.HandleFunc("DELETE /models/{model_id}", s.handleDeleteModel)

	// Model inferences and training sessions
	mux.HandleFunc("POST /model-inferences/", s.handleCreateInference)
	mux.HandleFunc("GET /model-inferences/", s.handleListInferences)
	mux.HandleFunc("POST /training-sessions/", s.handleCreateTrainingSession)
	mux.HandleFunc("GET /training-sessions/", s.handleListTrainingSessions)

	mux.HandleFunc("GET /healthcheck/", healthHandler(s.db))
	mux.Handle("GET /metrics", metrics.Handler())

	return chain(mux,
		recoveryMiddleware(s.log),
		requestIDMiddleware(s.log),
		loggingMiddleware(s.log),
		metricsMiddleware("api"),
		corsMiddleware(s.cfg.AllowedOrigin),
	)
}

// Start serves on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return serve(ctx, fmt.Sprintf("0.0.0.0:%d", s.cfg.Port), s.Routes(), s.log, "API server")
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, log *logger.Logger, name string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(name+" starting", logger.NewField("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info(name+" shutting down", logger.NewField("addr", addr))
	return srv.Shutdown(shutdownCtx)
}
