package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"optiver-forecast/apperr"
	models "optiver-forecast/database/models_pkg"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := ConnectSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db.DB()
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	base := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	for _, id := range []int{1, 2} {
		require.NoError(t, db.Create(&models.DateMapping{DateID: id, Date: base.AddDate(0, 0, id)}).Error)
	}
	for i, d := range []int{1, 1, 2} {
		row := &models.StockData{RowID: rowID(d, i), StockID: i, DateID: d, TrainType: "prod"}
		require.NoError(t, db.Create(row).Error)
	}
	model := &models.Model{ModelName: "m1", ModelArtifactPath: "trained_models/m1.json", DateID: 1}
	require.NoError(t, db.Create(model).Error)
	require.NoError(t, db.Create(&models.ModelInference{ModelID: model.ModelID, DateID: 2, Predictions: "p"}).Error)
	require.NoError(t, db.Create(&models.TrainingSession{ModelID: model.ModelID, DateID: 1}).Error)
}

func rowID(dateID, i int) string {
	return fmt.Sprintf("%d_%d_%d", dateID, i, i)
}

func count(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestDeleteDateMappingRemovesDependentsFirst(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	report, err := DeleteDateMapping(context.Background(), db, 1)
	require.NoError(t, err)

	assert.Equal(t, DeletionReport{ModelInferences: 1, TrainingSessions: 1, Models: 1, StockData: 2, DateMappings: 1}, report)
	assert.EqualValues(t, 1, count(t, db, &models.DateMapping{}))
	assert.EqualValues(t, 1, count(t, db, &models.StockData{}))
	assert.EqualValues(t, 0, count(t, db, &models.Model{}))
	assert.EqualValues(t, 0, count(t, db, &models.ModelInference{}))
}

func TestDeleteDateMappingNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := DeleteDateMapping(context.Background(), db, 99)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDeleteModel(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	var m models.Model
	require.NoError(t, db.Take(&m).Error)

	report, err := DeleteModel(context.Background(), db, m.ModelID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Models)
	assert.EqualValues(t, 1, report.ModelInferences)
	assert.EqualValues(t, 2, count(t, db, &models.DateMapping{}), "dates are untouched")

	_, err = DeleteModel(context.Background(), db, m.ModelID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestForeignKeysAreEnforced(t *testing.T) {
	db := openTestDB(t)

	err := db.Create(&models.StockData{RowID: "7_0_0", DateID: 7}).Error
	require.Error(t, err)
	assert.True(t, apperr.IsKind(WrapDBError("insert", err), apperr.KindConflict))
}

func TestWrapDBError(t *testing.T) {
	assert.Nil(t, WrapDBError("op", nil))
	assert.True(t, apperr.IsKind(WrapDBError("op", gorm.ErrRecordNotFound), apperr.KindNotFound))
	assert.True(t, apperr.IsKind(WrapDBError("op", gorm.ErrDuplicatedKey), apperr.KindConflict))
	assert.True(t, apperr.IsKind(WrapDBError("op", errors.New("connection refused")), apperr.KindDependency))

	already := apperr.NotFound("x")
	assert.Same(t, already, WrapDBError("op", already))
}

func TestMigrateDeclaresForeignKeysOnDependents(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	// parents cannot go while dependents reference them
	err := db.Delete(&models.DateMapping{DateID: 2}).Error
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err))

	var m models.Model
	require.NoError(t, db.Take(&m).Error)
	require.Error(t, db.Delete(&models.Model{ModelID: m.ModelID}).Error)

	// dependents cannot point at missing parents
	err = db.Create(&models.ModelInference{ModelID: m.ModelID + 100, DateID: 2, Predictions: "p"}).Error
	assert.True(t, IsForeignKeyViolation(err))
	err = db.Create(&models.TrainingSession{ModelID: m.ModelID, DateID: 42}).Error
	assert.True(t, IsForeignKeyViolation(err))

	// a mapping with no dependents inserts and deletes freely
	require.NoError(t, db.Create(&models.DateMapping{DateID: 3, Date: time.Date(2024, 6, 6, 0, 0, 0, 0, time.UTC)}).Error)
	require.NoError(t, db.Delete(&models.DateMapping{DateID: 3}).Error)
}

func TestTrainingSessionStockIDsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	var m models.Model
	require.NoError(t, db.Take(&m).Error)
	s := &models.TrainingSession{ModelID: m.ModelID, DateID: 2, StockIDs: models.Int64Array{3, 1, 2}}
	require.NoError(t, db.Create(s).Error)

	var got models.TrainingSession
	require.NoError(t, db.First(&got, s.TrainingSessionID).Error)
	assert.Equal(t, models.Int64Array{3, 1, 2}, got.StockIDs)
}
