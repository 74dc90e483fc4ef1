package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"optiver-forecast/apperr"
	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

// Query holds the optional filters of the job list endpoint.
type Query struct {
	Status *string
	Kind   *string
}

// Repository persists job records and their status transitions
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository creates a new jobs repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Create inserts a queued job for kind with the given JSON payload.
func (r *Repository) Create(ctx context.Context, kind string, payload []byte) (*models.Job, error) {
	job := &models.Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Status:  models.JobQueued,
		Payload: string(payload),
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, database.WrapDBError("Jobs.Create", err)
	}
	return job, nil
}

// Get returns a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		return nil, database.WrapDBError("Jobs.Get", err)
	}
	return &job, nil
}

// List returns one page of jobs, oldest first.
func (r *Repository) List(ctx context.Context, q Query, req pagination.Request) (pagination.Page[models.Job], error) {
	var f pagination.Filters
	pagination.OptionalEq(&f, "status", q.Status)
	pagination.OptionalEq(&f, "kind", q.Kind)
	return pagination.Resolve[models.Job](ctx, r.db, f, req, "created_at, id")
}

// Unfinished returns queued and running jobs, oldest first.
func (r *Repository) Unfinished(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.JobQueued, models.JobRunning}).
		Order("created_at, id").
		Find(&out).Error
	return out, database.WrapDBError("Jobs.Unfinished", err)
}

// MarkRunning moves a queued job to running and counts the attempt.
func (r *Repository) MarkRunning(ctx context.Context, id string) (*models.Job, error) {
	now := r.now()
	return r.transition(ctx, id, []string{models.JobQueued}, map[string]any{
		"status":      models.JobRunning,
		"started_at":  now,
		"finished_at": nil,
		"error":       "",
		"attempts":    gorm.Expr("attempts + 1"),
	})
}

// MarkSucceeded finishes a running job with result.
func (r *Repository) MarkSucceeded(ctx context.Context, id, result string) (*models.Job, error) {
	return r.transition(ctx, id, []string{models.JobRunning}, map[string]any{
		"status":      models.JobSucceeded,
		"result":      result,
		"finished_at": r.now(),
	})
}

// MarkFailed finishes a running job with an error message.
func (r *Repository) MarkFailed(ctx context.Context, id, message string) (*models.Job, error) {
	return r.transition(ctx, id, []string{models.JobRunning}, map[string]any{
		"status":      models.JobFailed,
		"error":       message,
		"finished_at": r.now(),
	})
}

// Requeue puts a failed job, or a running job orphaned by a restart, back in the queue.
func (r *Repository) Requeue(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, []string{models.JobFailed, models.JobRunning}, map[string]any{
		"status": models.JobQueued,
	})
}

// transition applies updates when the job is in one of the from states.
func (r *Repository) transition(ctx context.Context, id string, from []string, updates map[string]any) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&job).Error; err != nil {
			return database.WrapDBError("Jobs.transition", err)
		}
		allowed := false
		for _, s := range from {
			if job.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.Conflict("job %s is %s, expected one of %v", id, job.Status, from)
		}
		res := tx.Model(&models.Job{}).Where("id = ? AND status = ?", id, job.Status).Updates(updates)
		if res.Error != nil {
			return database.WrapDBError("Jobs.transition", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("job %s changed concurrently", id)
		}
		return tx.Where("id = ?", id).Take(&job).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}
