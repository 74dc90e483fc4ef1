package ingest

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"optiver-forecast/apperr"
	"optiver-forecast/database"
	"optiver-forecast/database/datemappings"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/dates"
)

// 2024-06-03 is a Monday.
var today = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.ConnectSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	resolver := dates.NewResolver(datemappings.NewRepository(db.DB()), dates.Options{
		TotalIDs: 10,
		Variant:  dates.Inclusive,
		Now:      func() time.Time { return today },
	})
	return NewService(db.DB(), resolver, nil), db.DB()
}

func f(v float64) *float64 { return &v }

func row(dateID, seconds, stock int) *models.StockData {
	return &models.StockData{
		DateID:          dateID,
		SecondsInBucket: seconds,
		StockID:         stock,
		WAP:             f(1),
		TrainType:       "prod",
	}
}

func count(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestIngestCreatesMappingsAndRows(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, []*models.StockData{row(9, 0, 1), row(8, 0, 1), row(9, 10, 1)}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, []int{8, 9}, res.DateIDs)
	assert.True(t, res.Committed)

	assert.EqualValues(t, 3, count(t, db, &models.StockData{}))

	var mappings []models.DateMapping
	require.NoError(t, db.Order("date_id").Find(&mappings).Error)
	require.Len(t, mappings, 2)
	// inclusive: date 8 is two business days before Monday, date 9 anchors one calendar day later
	assert.Equal(t, "2024-05-30", mappings[0].Date.Format(time.DateOnly))
	assert.Equal(t, "2024-05-31", mappings[1].Date.Format(time.DateOnly))

	var stored models.StockData
	require.NoError(t, db.Where("date_id = 8").Take(&stored).Error)
	assert.Equal(t, "8_0_1", stored.RowID)
}

func TestIngestDryRunRollsBack(t *testing.T) {
	svc, db := setup(t)

	res, err := svc.Ingest(context.Background(), []*models.StockData{row(5, 0, 1)}, false)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 1, res.Rows)

	assert.Zero(t, count(t, db, &models.StockData{}))
	assert.Zero(t, count(t, db, &models.DateMapping{}))
}

func TestIngestIsAtomic(t *testing.T) {
	svc, db := setup(t)

	dup := row(4, 0, 1)
	_, err := svc.Ingest(context.Background(), []*models.StockData{row(3, 0, 1), dup, row(4, 0, 1)}, true)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	assert.Zero(t, count(t, db, &models.StockData{}), "no rows survive a failed batch")
	assert.Zero(t, count(t, db, &models.DateMapping{}), "no mappings survive a failed batch")
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name string
		row  *models.StockData
		kind apperr.Kind
	}{
		{name: "negative date id", row: row(-1, 0, 1), kind: apperr.KindInvalidDateID},
		{name: "malformed row id", row: &models.StockData{RowID: "x_y", DateID: 1}, kind: apperr.KindInvalidDateID},
		{name: "row id of another date", row: &models.StockData{RowID: "2_0_1", DateID: 1}, kind: apperr.KindInvalidDateID},
		{name: "bad imbalance flag", row: &models.StockData{DateID: 1, ImbalanceBuySellFlag: 7}, kind: apperr.KindValidation},
		{name: "nil row", row: nil, kind: apperr.KindValidation},
	}

	svc, _ := setup(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), []*models.StockData{tt.row}, true)
			assert.True(t, apperr.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestIngestEmpty(t *testing.T) {
	svc, _ := setup(t)
	res, err := svc.Ingest(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
}

const sample = `stock_id,date_id,seconds_in_bucket,imbalance_size,imbalance_buy_sell_flag,reference_price,matched_size,far_price,near_price,bid_price,bid_size,ask_price,ask_size,wap,target,time_id,row_id
0,0,0,3180602.69,1,0.999812,13380276.64,,,0.999812,60651.5,1.000026,8493.03,1.0,-3.0298,0,0_0_0
1,0,0,166603.91,-1,0.999896,1642214.25,nan,NaN,0.999896,3233.04,1.00066,20605.09,1.0,-5.5198,0,0_0_1
0,0,10,1299772.7,1,1.000026,15261106.63,1.0002,1.0001,0.999812,13996.5,1.000026,23519.16,0.9999,0.3899,1,0_10_0
`

func TestCSVReader(t *testing.T) {
	r, err := NewCSVReader(strings.NewReader(sample), "prod")
	require.NoError(t, err)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "0_0_0", first.RowID)
	assert.Equal(t, 1, first.ImbalanceBuySellFlag)
	assert.Nil(t, first.FarPrice)
	require.NotNil(t, first.Target)
	assert.InDelta(t, -3.0298, *first.Target, 1e-9)
	assert.Equal(t, "prod", first.TrainType)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, second.FarPrice, "nan is null")
	assert.Nil(t, second.NearPrice, "NaN is null")
	assert.Equal(t, -1, second.ImbalanceBuySellFlag)

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSVReaderRejectsMissingColumns(t *testing.T) {
	_, err := NewCSVReader(strings.NewReader("stock_id,wap\n1,1.0\n"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCSVReaderRejectsBadNumbers(t *testing.T) {
	r, err := NewCSVReader(strings.NewReader("stock_id,date_id,seconds_in_bucket,wap\n1,2,x,1.0\n"), "")
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestLoadCSV(t *testing.T) {
	svc, db := setup(t)

	n, err := svc.LoadCSV(context.Background(), strings.NewReader(sample), CSVOptions{BatchSize: 2, TrainType: "prod", Commit: true})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, count(t, db, &models.StockData{}))
	assert.EqualValues(t, 1, count(t, db, &models.DateMapping{}))
}

func TestTickRoundTrip(t *testing.T) {
	b, err := NewTick(row(1, 20, 3)).Encode()
	require.NoError(t, err)

	tick, err := DecodeTick(b)
	require.NoError(t, err)
	assert.Equal(t, TickType, tick.Type)
	assert.Equal(t, 3, tick.Data.StockID)

	_, err = DecodeTick([]byte(`{"type":"tick"}`))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
