package inferences

import (
	"context"

	"gorm.io/gorm"

	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

// Repository handles database operations for model inferences
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new model inference repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create saves an inference record. Unknown model or date ids are a conflict.
func (r *Repository) Create(ctx context.Context, inf *models.ModelInference) error {
	err := r.db.WithContext(ctx).Create(inf).Error
	return database.WrapDBError("ModelInferences.Create", err)
}

// List returns one page of inferences of modelID for dateID. Both filters
// are required.
func (r *Repository) List(ctx context.Context, modelID *int64, dateID *int, req pagination.Request) (pagination.Page[models.ModelInference], error) {
	var f pagination.Filters
	if modelID == nil || dateID == nil {
		return pagination.Page[models.ModelInference]{}, pagination.RequireAny(f, "model_id and date_id are required")
	}
	f.Eq("model_id", *modelID).Eq("date_id", *dateID)
	return pagination.Resolve[models.ModelInference](ctx, r.db, f, req, "id")
}

// ForModel returns every inference of a model ordered by date.
func (r *Repository) ForModel(ctx context.Context, modelID int64) ([]models.ModelInference, error) {
	var out []models.ModelInference
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).Order("date_id, id").Find(&out).Error
	return out, database.WrapDBError("ModelInferences.ForModel", err)
}
