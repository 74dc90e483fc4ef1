package dates

import (
	"context"
	"time"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
)

// Mapping associates a date id with its calendar date.
type Mapping struct {
	DateID int       `json:"date_id"`
	Date   time.Time `json:"date"`
}

// Tx is the view of the mapping table inside one transaction.
type Tx interface {
	// Lock serializes get-or-create for dateID until the transaction ends.
	Lock(ctx context.Context, dateID int) error
	Get(ctx context.Context, dateID int) (*Mapping, error)
	// NearestBelow returns the mapping with the largest id smaller than dateID.
	NearestBelow(ctx context.Context, dateID int) (*Mapping, error)
	// Insert fails with a conflict error when dateID already exists.
	Insert(ctx context.Context, m Mapping) error
}

// Store is the persisted mapping table.
type Store interface {
	Get(ctx context.Context, dateID int) (*Mapping, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}

// Cache holds mappings that are already committed. Mappings never change
// once persisted so entries need no invalidation.
type Cache interface {
	GetMapping(ctx context.Context, dateID int) (Mapping, bool)
	SetMapping(ctx context.Context, m Mapping)
}

// Options configures a Resolver.
type Options struct {
	TotalIDs int
	Variant  OffsetVariant
	Calendar *Calendar
	Cache    Cache
	Now      func() time.Time
	Logger   *logger.Logger
}

// Resolver implements get-or-create over persisted date mappings.
type Resolver struct {
	store    Store
	cache    Cache
	calendar *Calendar
	total    int
	variant  OffsetVariant
	now      func() time.Time
	log      *logger.Logger
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, opts Options) *Resolver {
	r := &Resolver{
		store:    store,
		cache:    opts.Cache,
		calendar: opts.Calendar,
		total:    opts.TotalIDs,
		variant:  opts.Variant,
		now:      opts.Now,
		log:      opts.Logger,
	}
	if r.calendar == nil {
		r.calendar = NewCalendar()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logger.NewNop()
	}
	return r
}

// Variant returns the offset variant used for fresh computations.
func (r *Resolver) Variant() OffsetVariant {
	return r.variant
}

// Fresh computes the date for dateID without consulting persisted state.
func (r *Resolver) Fresh(dateID int) (time.Time, error) {
	return Compute(dateID, r.total, r.variant, r.now(), r.calendar)
}

// GetOrCreate returns the persisted mapping for dateID, creating it in its
// own transaction when absent. A concurrent create of the same id is
// resolved by re-reading the winner.
func (r *Resolver) GetOrCreate(ctx context.Context, dateID int) (Mapping, error) {
	if dateID < 0 {
		return Mapping{}, apperr.InvalidDateID("date_id must be non-negative, got %d", dateID)
	}
	if m, ok := r.cached(ctx, dateID); ok {
		return m, nil
	}

	var out Mapping
	err := r.store.Transaction(ctx, func(tx Tx) error {
		m, _, err := r.resolveIn(ctx, tx, dateID)
		out = m
		return err
	})
	if apperr.IsKind(err, apperr.KindConflict) {
		existing, getErr := r.store.Get(ctx, dateID)
		if getErr != nil {
			return Mapping{}, getErr
		}
		if existing == nil {
			return Mapping{}, err
		}
		out, err = *existing, nil
	}
	if err != nil {
		return Mapping{}, err
	}

	r.remember(ctx, out)
	return out, nil
}

// GetOrCreateIn resolves dateID inside a caller-owned transaction, so a new
// mapping commits or rolls back together with the caller's writes.
func (r *Resolver) GetOrCreateIn(ctx context.Context, tx Tx, dateID int) (Mapping, error) {
	if dateID < 0 {
		return Mapping{}, apperr.InvalidDateID("date_id must be non-negative, got %d", dateID)
	}
	if m, ok := r.cached(ctx, dateID); ok {
		return m, nil
	}

	m, created, err := r.resolveIn(ctx, tx, dateID)
	if err != nil {
		return Mapping{}, err
	}
	if !created {
		r.remember(ctx, m)
	}
	return m, nil
}

func (r *Resolver) resolveIn(ctx context.Context, tx Tx, dateID int) (Mapping, bool, error) {
	if err := tx.Lock(ctx, dateID); err != nil {
		return Mapping{}, false, err
	}

	existing, err := tx.Get(ctx, dateID)
	if err != nil {
		return Mapping{}, false, err
	}
	if existing != nil {
		r.log.Debug("found date mapping", logger.NewField("date_id", dateID), logger.NewField("date", existing.Date))
		return *existing, false, nil
	}

	day, err := r.compute(ctx, tx, dateID)
	if err != nil {
		return Mapping{}, false, err
	}

	m := Mapping{DateID: dateID, Date: day}
	if err := tx.Insert(ctx, m); err != nil {
		return Mapping{}, false, err
	}
	r.log.InfoContext(ctx, "created date mapping", logger.NewField("date_id", dateID), logger.NewField("date", day.Format(time.DateOnly)))
	return m, true, nil
}

func (r *Resolver) compute(ctx context.Context, tx Tx, dateID int) (time.Time, error) {
	anchor, err := tx.NearestBelow(ctx, dateID)
	if err != nil {
		return time.Time{}, err
	}
	if anchor != nil {
		return Day(anchor.Date).AddDate(0, 0, dateID-anchor.DateID), nil
	}
	return r.Fresh(dateID)
}

func (r *Resolver) cached(ctx context.Context, dateID int) (Mapping, bool) {
	if r.cache == nil {
		return Mapping{}, false
	}
	return r.cache.GetMapping(ctx, dateID)
}

func (r *Resolver) remember(ctx context.Context, m Mapping) {
	if r.cache != nil {
		r.cache.SetMapping(ctx, m)
	}
}
