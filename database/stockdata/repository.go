package stockdata

import (
	"context"

	"gorm.io/gorm"

	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/pagination"
)

const batchSize = 500

// Query holds the optional filters of the stock data endpoint.
type Query struct {
	StartDateID *int
	EndDateID   *int
	DateID      *int
	StockID     *int
	TrainType   *string
}

// Filters turns q into pagination filters. A date range is used when both
// bounds are present, otherwise date_id; with neither the request fails with
// a missing-filter error. Zero is a valid bound.
func (q Query) Filters() (pagination.Filters, error) {
	var f pagination.Filters
	switch {
	case q.StartDateID != nil && q.EndDateID != nil:
		f.Between("date_id", *q.StartDateID, *q.EndDateID)
	case q.DateID != nil:
		f.Eq("date_id", *q.DateID)
	default:
		return f, pagination.RequireAny(f, "Please provide either a valid date range or valid date id")
	}
	pagination.OptionalEq(&f, "stock_id", q.StockID)
	pagination.OptionalEq(&f, "train_type", q.TrainType)
	return f, nil
}

// Repository handles database operations for stock data
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new stock data repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create saves a single row.
func (r *Repository) Create(ctx context.Context, row *models.StockData) error {
	return database.WrapDBError("StockData.Create", r.db.WithContext(ctx).Create(row).Error)
}

// CreateBatch saves rows in chunks. Callers wanting all-or-nothing pass a
// repository built on a transaction.
func (r *Repository) CreateBatch(ctx context.Context, rows []*models.StockData) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error
	return database.WrapDBError("StockData.CreateBatch", err)
}

// List returns one page of rows ordered by date, seconds, stock and id.
func (r *Repository) List(ctx context.Context, q Query, req pagination.Request) (pagination.Page[models.StockData], error) {
	f, err := q.Filters()
	if err != nil {
		return pagination.Page[models.StockData]{}, err
	}
	return pagination.Resolve[models.StockData](ctx, r.db, f, req, "date_id, seconds_in_bucket, stock_id, id")
}

// CountByDate returns the number of rows per date id in [from, to].
func (r *Repository) CountByDate(ctx context.Context, from, to int) (map[int]int64, error) {
	type row struct {
		DateID int
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.StockData{}).
		Select("date_id, COUNT(*) AS n").
		Where("date_id BETWEEN ? AND ?", from, to).
		Group("date_id").
		Scan(&rows).Error
	if err != nil {
		return nil, database.WrapDBError("StockData.CountByDate", err)
	}
	out := make(map[int]int64, len(rows))
	for _, r := range rows {
		out[r.DateID] = r.N
	}
	return out, nil
}
