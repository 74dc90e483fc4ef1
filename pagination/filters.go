package pagination

import (
	"fmt"
	"time"

	"optiver-forecast/apperr"
)

// Op is the kind of predicate a Condition applies.
type Op int

const (
	OpEq Op = iota
	OpBetween
	OpIn
)

// Condition narrows a collection on one field. For OpBetween a nil Start or
// End leaves that side open.
type Condition struct {
	Field  string
	Op     Op
	Value  any
	Start  any
	End    any
	Values []any
}

// Filters is a conjunction of conditions. Each condition only narrows, so
// the order conditions were added in never changes the result set.
type Filters struct {
	conds []Condition
}

// Eq adds field = value.
func (f *Filters) Eq(field string, value any) *Filters {
	f.conds = append(f.conds, Condition{Field: field, Op: OpEq, Value: value})
	return f
}

// Between adds start <= field <= end. Either bound may be nil.
func (f *Filters) Between(field string, start, end any) *Filters {
	if start == nil && end == nil {
		return f
	}
	f.conds = append(f.conds, Condition{Field: field, Op: OpBetween, Start: start, End: end})
	return f
}

// In adds field IN (values...). An empty list matches nothing.
func (f *Filters) In(field string, values ...any) *Filters {
	f.conds = append(f.conds, Condition{Field: field, Op: OpIn, Values: values})
	return f
}

// Conditions returns the conditions in insertion order.
func (f Filters) Conditions() []Condition {
	return f.conds
}

// Len returns the number of conditions.
func (f Filters) Len() int {
	return len(f.conds)
}

// Has reports whether a condition on field is present.
func (f Filters) Has(field string) bool {
	for _, c := range f.conds {
		if c.Field == field {
			return true
		}
	}
	return false
}

// OptionalEq adds field = *v when v is non-nil. Zero is a value, nil is absence.
func OptionalEq[T any](f *Filters, field string, v *T) {
	if v != nil {
		f.Eq(field, *v)
	}
}

// OptionalIn adds field IN values when values is non-empty.
func OptionalIn[T any](f *Filters, field string, values []T) {
	if len(values) == 0 {
		return
	}
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	f.In(field, vals...)
}

// RequireAny fails with a missing-filter error when no condition is present.
func RequireAny(f Filters, message string) error {
	if f.Len() == 0 {
		return apperr.MissingFilter("%s", message)
	}
	return nil
}

// Match evaluates f against a record whose fields are read through get.
func (f Filters) Match(get func(field string) (any, bool)) bool {
	for _, c := range f.conds {
		v, ok := get(c.Field)
		if !ok || !c.match(v) {
			return false
		}
	}
	return true
}

func (c Condition) match(v any) bool {
	switch c.Op {
	case OpEq:
		cmp, ok := compare(v, c.Value)
		return ok && cmp == 0
	case OpBetween:
		if c.Start != nil {
			cmp, ok := compare(v, c.Start)
			if !ok || cmp < 0 {
				return false
			}
		}
		if c.End != nil {
			cmp, ok := compare(v, c.End)
			if !ok || cmp > 0 {
				return false
			}
		}
		return true
	case OpIn:
		for _, candidate := range c.Values {
			if cmp, ok := compare(v, candidate); ok && cmp == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// compare orders two scalars of compatible kinds.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case bool:
		bv, ok := b.(bool)
		return 0, ok && av == bv
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpBetween:
		return "between"
	case OpIn:
		return "in"
	}
	return fmt.Sprintf("op(%d)", int(o))
}
