package dates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiver-forecast/apperr"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

// memStore keeps mappings in a map; transactions are serialized by one mutex
// and buffered so a failing callback leaves no trace.
type memStore struct {
	mu       sync.Mutex
	rows     map[int]time.Time
	inserts  int
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[int]time.Time{}}
}

type memTx struct {
	s       *memStore
	pending map[int]time.Time
}

func (s *memStore) Get(_ context.Context, id int) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.rows[id]; ok {
		return &Mapping{DateID: id, Date: d}, nil
	}
	return nil, nil
}

func (s *memStore) Transaction(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, pending: map[int]time.Time{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, d := range tx.pending {
		s.rows[id] = d
	}
	return nil
}

func (t *memTx) Lock(context.Context, int) error { return nil }

func (t *memTx) Get(_ context.Context, id int) (*Mapping, error) {
	if d, ok := t.pending[id]; ok {
		return &Mapping{DateID: id, Date: d}, nil
	}
	if d, ok := t.s.rows[id]; ok {
		return &Mapping{DateID: id, Date: d}, nil
	}
	return nil, nil
}

func (t *memTx) NearestBelow(_ context.Context, id int) (*Mapping, error) {
	best := -1
	for _, rows := range []map[int]time.Time{t.s.rows, t.pending} {
		for k := range rows {
			if k < id && k > best {
				best = k
			}
		}
	}
	if best < 0 {
		return nil, nil
	}
	return t.Get(context.Background(), best)
}

func (t *memTx) Insert(_ context.Context, m Mapping) error {
	if t.s.failNext {
		// simulate another process committing the same id first
		t.s.failNext = false
		t.s.rows[m.DateID] = m.Date.AddDate(0, 0, -100)
		return apperr.Conflict("date mapping %d already exists", m.DateID)
	}
	if _, ok := t.s.rows[m.DateID]; ok {
		return apperr.Conflict("date mapping %d already exists", m.DateID)
	}
	t.s.inserts++
	t.pending[m.DateID] = m.Date
	return nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[int]Mapping
}

func (c *mapCache) GetMapping(_ context.Context, id int) (Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.data[id]
	return m, ok
}

func (c *mapCache) SetMapping(_ context.Context, m Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[m.DateID] = m
}

func TestCalendarBusinessDays(t *testing.T) {
	c := NewCalendar(day("2024-07-04"))

	assert.True(t, c.IsBusinessDay(day("2024-07-03")))
	assert.False(t, c.IsBusinessDay(day("2024-07-04")), "holiday")
	assert.False(t, c.IsBusinessDay(day("2024-07-06")), "saturday")
	assert.Equal(t, day("2024-07-05"), c.RollForward(day("2024-07-04")))
	assert.Equal(t, day("2024-07-08"), c.RollForward(day("2024-07-06")))

	// Friday 2024-07-05 back one business day skips the Thursday holiday.
	assert.Equal(t, day("2024-07-03"), c.OffsetBusinessDays(day("2024-07-05"), -1))
	// Saturday rolls forward to Monday first, then steps back.
	assert.Equal(t, day("2024-07-05"), c.OffsetBusinessDays(day("2024-07-06"), -1))
	assert.Equal(t, day("2024-07-09"), c.OffsetBusinessDays(day("2024-07-08"), 1))
	assert.Equal(t, day("2024-07-08"), c.OffsetBusinessDays(day("2024-07-08"), 0))
}

func TestCountryCalendar(t *testing.T) {
	c, err := CountryCalendar("US", 2024, 2026)
	require.NoError(t, err)

	assert.True(t, c.IsHoliday(day("2024-07-04")))
	assert.True(t, c.IsHoliday(day("2025-12-25")))
	// Independence Day 2026 is a Saturday; the observed Friday is skipped too.
	assert.True(t, c.IsHoliday(day("2026-07-03")))
	assert.False(t, c.IsHoliday(day("2025-07-07")))

	none, err := CountryCalendar("NONE", 2024, 2024)
	require.NoError(t, err)
	assert.Zero(t, none.Holidays())

	_, err = CountryCalendar("XX", 2024, 2024)
	assert.Error(t, err)
}

func TestComputeVariants(t *testing.T) {
	today := day("2024-06-03") // Monday
	c := NewCalendar()

	// 480 business days with no holidays is exactly 96 weeks.
	got, err := Compute(0, 480, Inclusive, today, c)
	require.NoError(t, err)
	assert.Equal(t, today.AddDate(0, 0, -96*7), got)

	got, err = Compute(0, 480, Exclusive, today, c)
	require.NoError(t, err)
	assert.Equal(t, today.AddDate(0, 0, -96*7).AddDate(0, 0, 1), got, "one business day later")

	got, err = Compute(480, 480, Inclusive, today, c)
	require.NoError(t, err)
	assert.Equal(t, today, got)

	_, err = Compute(-1, 480, Inclusive, today, c)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidDateID))
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("exclusive")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, v)
	assert.Equal(t, 479, v.DaysToSubtract(0, 480))
	assert.Equal(t, 480, Inclusive.DaysToSubtract(0, 480))

	_, err = ParseVariant("both")
	assert.Error(t, err)
}

func TestResolverIdempotentAcrossDays(t *testing.T) {
	store := newMemStore()
	now := day("2024-06-03")
	r := NewResolver(store, Options{TotalIDs: 480, Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := r.GetOrCreate(ctx, 7)
	require.NoError(t, err)

	now = day("2024-09-17")
	second, err := r.GetOrCreate(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.inserts)
}

func TestResolverAnchorsToNearestSmallerID(t *testing.T) {
	store := newMemStore()
	r := NewResolver(store, Options{TotalIDs: 480, Now: func() time.Time { return day("2024-06-03") }})
	ctx := context.Background()

	ten, err := r.GetOrCreate(ctx, 10)
	require.NoError(t, err)

	twelve, err := r.GetOrCreate(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, ten.Date.AddDate(0, 0, 2), twelve.Date)

	// 11 anchors on 10, not on 12.
	eleven, err := r.GetOrCreate(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, ten.Date.AddDate(0, 0, 1), eleven.Date)
}

func TestResolverFreshWithoutAnchor(t *testing.T) {
	store := newMemStore()
	today := day("2024-06-03")
	r := NewResolver(store, Options{TotalIDs: 480, Variant: Exclusive, Now: func() time.Time { return today }})

	m, err := r.GetOrCreate(context.Background(), 0)
	require.NoError(t, err)

	want, err := Compute(0, 480, Exclusive, today, NewCalendar())
	require.NoError(t, err)
	assert.Equal(t, want, m.Date)
}

func TestResolverRejectsNegativeID(t *testing.T) {
	r := NewResolver(newMemStore(), Options{TotalIDs: 480})
	_, err := r.GetOrCreate(context.Background(), -3)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidDateID))
}

func TestResolverConcurrentCreate(t *testing.T) {
	store := newMemStore()
	r := NewResolver(store, Options{TotalIDs: 480, Now: func() time.Time { return day("2024-06-03") }})

	const workers = 16
	results := make([]Mapping, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.GetOrCreate(context.Background(), 42)
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range results {
		assert.Equal(t, results[0], m)
	}
	assert.Equal(t, 1, store.inserts)
}

func TestResolverRereadsAfterConflict(t *testing.T) {
	store := newMemStore()
	store.failNext = true
	r := NewResolver(store, Options{TotalIDs: 480, Now: func() time.Time { return day("2024-06-03") }})

	m, err := r.GetOrCreate(context.Background(), 5)
	require.NoError(t, err)

	persisted, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, persisted.Date, m.Date)
}

func TestResolverCache(t *testing.T) {
	store := newMemStore()
	cache := &mapCache{data: map[int]Mapping{}}
	r := NewResolver(store, Options{TotalIDs: 480, Cache: cache, Now: func() time.Time { return day("2024-06-03") }})
	ctx := context.Background()

	m, err := r.GetOrCreate(ctx, 3)
	require.NoError(t, err)
	cached, ok := cache.GetMapping(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, m, cached)

	// newly created inside a caller transaction is not cached before commit
	err = store.Transaction(ctx, func(tx Tx) error {
		_, err := r.GetOrCreateIn(ctx, tx, 4)
		return err
	})
	require.NoError(t, err)
	_, ok = cache.GetMapping(ctx, 4)
	assert.False(t, ok)
}

func TestParseRowID(t *testing.T) {
	tests := []struct {
		in      string
		want    RowID
		wantErr bool
	}{
		{"12_30_4", RowID{DateID: 12, Seconds: 30, StockID: 4}, false},
		{"0_0_0", RowID{}, false},
		{"478_540", RowID{DateID: 478, Seconds: 540}, false},
		{"12", RowID{}, true},
		{"a_30_4", RowID{}, true},
		{"-1_30_4", RowID{}, true},
		{"1_2_3_4", RowID{}, true},
		{"", RowID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRowID(tt.in)
			if tt.wantErr {
				assert.True(t, apperr.IsKind(err, apperr.KindInvalidDateID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowTimestamp(t *testing.T) {
	resolve := func(id int) (time.Time, error) {
		return day("2024-06-03").AddDate(0, 0, id), nil
	}

	ts, err := RowTimestamp("2_90_7", resolve)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 5, 15, 52, 30, 0, time.UTC), ts)

	_, err = RowTimestamp("bad", resolve)
	assert.Error(t, err)
}
