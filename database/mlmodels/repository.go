package mlmodels

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"optiver-forecast/apperr"
	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

// Query holds the optional filters of the model list endpoint. ModelID wins
// when both are set.
type Query struct {
	ModelID   *int64
	ModelName *string
}

// Repository handles database operations for models and their training sessions
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new models repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create saves a model. A duplicate name is a conflict.
func (r *Repository) Create(ctx context.Context, m *models.Model) error {
	var existing int64
	if err := r.db.WithContext(ctx).Model(&models.Model{}).Where("model_name = ?", m.ModelName).Count(&existing).Error; err != nil {
		return database.WrapDBError("Models.Create", err)
	}
	if existing > 0 {
		return apperr.Conflict("Model already exists")
	}

	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(m).Error
	if err != nil && database.IsDuplicateKey(err) {
		return apperr.Conflict("Model with this name already exists")
	}
	return database.WrapDBError("Models.Create", err)
}

// Get returns a model by id.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Model, error) {
	var m models.Model
	if err := r.db.WithContext(ctx).Where("model_id = ?", id).Take(&m).Error; err != nil {
		return nil, database.WrapDBError("Models.Get", err)
	}
	return &m, nil
}

// List returns one page of models ordered by id.
func (r *Repository) List(ctx context.Context, q Query, req pagination.Request) (pagination.Page[models.Model], error) {
	var f pagination.Filters
	if q.ModelID != nil {
		f.Eq("model_id", *q.ModelID)
	} else {
		pagination.OptionalEq(&f, "model_name", q.ModelName)
	}
	return pagination.Resolve[models.Model](ctx, r.db, f, req, "model_id")
}

// Delete removes a model together with its inferences and sessions.
func (r *Repository) Delete(ctx context.Context, id int64) (database.DeletionReport, error) {
	return database.DeleteModel(ctx, r.db, id)
}

// CreateSession records a training session.
func (r *Repository) CreateSession(ctx context.Context, s *models.TrainingSession) error {
	err := r.db.WithContext(ctx).Create(s).Error
	return database.WrapDBError("TrainingSessions.Create", err)
}

// ListSessions returns one page of sessions filtered by model and date.
func (r *Repository) ListSessions(ctx context.Context, modelID *int64, dateID *int, req pagination.Request) (pagination.Page[models.TrainingSession], error) {
	var f pagination.Filters
	pagination.OptionalEq(&f, "model_id", modelID)
	pagination.OptionalEq(&f, "date_id", dateID)
	return pagination.Resolve[models.TrainingSession](ctx, r.db, f, req, "training_session_id")
}
