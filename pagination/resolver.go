package pagination

import (
	"context"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"optiver-forecast/apperr"
)

// Apply adds every condition in f to db as a WHERE clause.
func Apply(db *gorm.DB, f Filters) *gorm.DB {
	for _, c := range f.conds {
		col := clause.Column{Name: c.Field}
		switch c.Op {
		case OpEq:
			db = db.Where(clause.Eq{Column: col, Value: c.Value})
		case OpBetween:
			if c.Start != nil {
				db = db.Where(clause.Gte{Column: col, Value: c.Start})
			}
			if c.End != nil {
				db = db.Where(clause.Lte{Column: col, Value: c.End})
			}
		case OpIn:
			if len(c.Values) == 0 {
				db = db.Where("1 = 0")
				continue
			}
			db = db.Where(clause.IN{Column: col, Values: c.Values})
		}
	}
	return db
}

// Resolve counts the records of T matching f and loads the requested page,
// ordered by orderBy so repeated calls page over a stable sequence.
func Resolve[T any](ctx context.Context, db *gorm.DB, f Filters, req Request, orderBy string) (Page[T], error) {
	if err := req.Validate(); err != nil {
		return Page[T]{}, err
	}

	query := func() *gorm.DB {
		return Apply(db.WithContext(ctx).Model(new(T)), f)
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return Page[T]{}, apperr.Dependency(err, "failed to count records")
	}

	data := make([]T, 0, req.PageSize)
	if !req.PastEnd(total) {
		if err := query().Order(orderBy).Offset(req.Offset()).Limit(req.PageSize).Find(&data).Error; err != nil {
			return Page[T]{}, apperr.Dependency(err, "failed to load page")
		}
	}

	return NewPage(data, total, req), nil
}

// ResolveSlice runs the same algorithm over an in-memory collection. get
// reads a field from a record; less defines the stable order.
func ResolveSlice[T any](items []T, f Filters, req Request, get func(item T, field string) (any, bool), less func(a, b T) bool) (Page[T], error) {
	if err := req.Validate(); err != nil {
		return Page[T]{}, err
	}

	narrowed := make([]T, 0, len(items))
	for _, item := range items {
		if f.Match(func(field string) (any, bool) { return get(item, field) }) {
			narrowed = append(narrowed, item)
		}
	}
	if less != nil {
		sort.SliceStable(narrowed, func(i, j int) bool { return less(narrowed[i], narrowed[j]) })
	}

	total := int64(len(narrowed))
	if req.PastEnd(total) {
		return NewPage([]T{}, total, req), nil
	}
	start := req.Offset()
	end := min(start+req.PageSize, len(narrowed))

	data := make([]T, end-start)
	copy(data, narrowed[start:end])
	return NewPage(data, total, req), nil
}
