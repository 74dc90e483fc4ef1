package datemappings

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/dates"
	"optiver-forecast/pagination"
)

// Query holds the optional filters of the date mapping list endpoint.
type Query struct {
	DateID *int
	Date   *time.Time
}

// Repository handles database operations for date mappings
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new date mappings repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the mapping for dateID, or nil when none is persisted.
func (r *Repository) Get(ctx context.Context, dateID int) (*dates.Mapping, error) {
	return get(ctx, r.db, dateID)
}

// Transaction runs fn with a transactional view of the table.
func (r *Repository) Transaction(ctx context.Context, fn func(tx dates.Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewTx(tx))
	})
}

// List returns one page of mappings ordered by date id.
func (r *Repository) List(ctx context.Context, q Query, req pagination.Request) (pagination.Page[models.DateMapping], error) {
	var f pagination.Filters
	pagination.OptionalEq(&f, "date_id", q.DateID)
	if q.Date != nil {
		f.Eq("date", dates.Day(*q.Date))
	}
	return pagination.Resolve[models.DateMapping](ctx, r.db, f, req, "date_id")
}

// Range returns every mapping with from <= date_id <= to.
func (r *Repository) Range(ctx context.Context, from, to int) ([]models.DateMapping, error) {
	var out []models.DateMapping
	err := r.db.WithContext(ctx).
		Where("date_id BETWEEN ? AND ?", from, to).
		Order("date_id").
		Find(&out).Error
	return out, database.WrapDBError("DateMappings.Range", err)
}

// Tx is a transaction-scoped view of the date mapping table.
type Tx struct {
	tx *gorm.DB
}

// NewTx wraps an open transaction.
func NewTx(tx *gorm.DB) *Tx {
	return &Tx{tx: tx}
}

// Lock takes a transaction-scoped advisory lock on dateID. SQLite
// serializes writers already, so nothing is done there.
func (t *Tx) Lock(ctx context.Context, dateID int) error {
	if !database.IsPostgres(t.tx) {
		return nil
	}
	err := t.tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?, ?)", lockNamespace, dateID).Error
	return database.WrapDBError("DateMappings.Lock", err)
}

// lockNamespace keeps date-id advisory locks apart from other users of
// pg_advisory_xact_lock(int, int).
const lockNamespace = 4801

func (t *Tx) Get(ctx context.Context, dateID int) (*dates.Mapping, error) {
	return get(ctx, t.tx, dateID)
}

func (t *Tx) NearestBelow(ctx context.Context, dateID int) (*dates.Mapping, error) {
	var row models.DateMapping
	err := t.tx.WithContext(ctx).
		Where("date_id < ?", dateID).
		Order("date_id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, database.WrapDBError("DateMappings.NearestBelow", err)
	}
	return &dates.Mapping{DateID: row.DateID, Date: dates.Day(row.Date)}, nil
}

func (t *Tx) Insert(ctx context.Context, m dates.Mapping) error {
	row := models.DateMapping{DateID: m.DateID, Date: dates.Day(m.Date)}
	return database.WrapDBError("DateMappings.Insert", t.tx.WithContext(ctx).Create(&row).Error)
}

func get(ctx context.Context, db *gorm.DB, dateID int) (*dates.Mapping, error) {
	var row models.DateMapping
	err := db.WithContext(ctx).Where("date_id = ?", dateID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, database.WrapDBError("DateMappings.Get", err)
	}
	return &dates.Mapping{DateID: row.DateID, Date: dates.Day(row.Date)}, nil
}
