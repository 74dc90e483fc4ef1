// Package ingest writes batches of order-book snapshots together with the
// date mappings they reference.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"optiver-forecast/apperr"
	"optiver-forecast/database/datemappings"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/database/stockdata"
	"optiver-forecast/dates"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

// errDryRun aborts the transaction of an uncommitted ingest.
var errDryRun = errors.New("ingest: dry run")

// Result summarizes one ingest call.
type Result struct {
	Rows      int   `json:"rows"`
	DateIDs   []int `json:"date_ids"`
	Committed bool  `json:"committed"`
}

// Service ingests stock data rows.
type Service struct {
	db       *gorm.DB
	resolver *dates.Resolver
	validate *validator.Validate
	source   string
	log      *logger.Logger
}

// NewService creates an ingest service. resolver should use the ingest
// offset variant.
func NewService(db *gorm.DB, resolver *dates.Resolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		db:       db,
		resolver: resolver,
		validate: validator.New(),
		source:   "api",
		log:      log,
	}
}

// WithSource returns a copy labelling its metrics and logs with source.
func (s *Service) WithSource(source string) *Service {
	cp := *s
	cp.source = source
	return &cp
}

// Ingest writes rows in a single transaction. Every distinct date id is
// resolved to a date mapping inside that transaction, so either all rows and
// their new mappings are persisted or none are. With commit false the rows
// are validated and inserted, then rolled back.
func (s *Service) Ingest(ctx context.Context, rows []*models.StockData, commit bool) (Result, error) {
	if err := s.prepare(rows); err != nil {
		return Result{}, err
	}
	dateIDs := distinctDateIDs(rows)
	res := Result{Rows: len(rows), DateIDs: dateIDs, Committed: commit}
	if len(rows) == 0 {
		return res, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mappings := datemappings.NewTx(tx)
		for _, id := range dateIDs {
			if _, err := s.resolver.GetOrCreateIn(ctx, mappings, id); err != nil {
				return err
			}
		}
		if err := stockdata.NewRepository(tx).CreateBatch(ctx, rows); err != nil {
			return err
		}
		if !commit {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		logger.FromContext(ctx, s.log).InfoContext(ctx, "Dry-run ingest rolled back",
			logger.NewField("source", s.source),
			logger.NewField("rows", len(rows)),
		)
		return res, nil
	}
	if err != nil {
		metrics.IngestFailures.WithLabelValues(s.source).Inc()
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Dependency(err, "failed to ingest data")
		}
		return Result{}, err
	}

	metrics.IngestedRows.WithLabelValues(s.source).Add(float64(len(rows)))
	logger.FromContext(ctx, s.log).InfoContext(ctx, "Ingested stock data",
		logger.NewField("source", s.source),
		logger.NewField("rows", len(rows)),
		logger.NewField("date_ids", dateIDs),
	)
	return res, nil
}

// prepare validates rows and fills in missing row ids.
func (s *Service) prepare(rows []*models.StockData) error {
	for i, row := range rows {
		if row == nil {
			return apperr.Validation("row %d is empty", i)
		}
		if row.DateID < 0 {
			return apperr.InvalidDateID("row %d: date_id must be non-negative, got %d", i, row.DateID)
		}
		if row.RowID == "" {
			row.RowID = dates.RowID{DateID: row.DateID, Seconds: row.SecondsInBucket, StockID: row.StockID}.String()
		} else {
			id, err := dates.ParseRowID(row.RowID)
			if err != nil {
				return err
			}
			if id.DateID != row.DateID {
				return apperr.InvalidDateID("row %d: row_id %q does not belong to date_id %d", i, row.RowID, row.DateID)
			}
		}
		if err := s.validate.Struct(row); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("row %d is invalid", i))
		}
	}
	return nil
}

// distinctDateIDs returns the date ids referenced by rows in ascending
// order, so lower ids exist before higher ones are anchored on them.
func distinctDateIDs(rows []*models.StockData) []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, row := range rows {
		if _, ok := seen[row.DateID]; ok {
			continue
		}
		seen[row.DateID] = struct{}{}
		ids = append(ids, row.DateID)
	}
	sort.Ints(ids)
	return ids
}
