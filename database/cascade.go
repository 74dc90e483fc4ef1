package database

import (
	"context"

	"gorm.io/gorm"

	"optiver-forecast/apperr"
	models "optiver-forecast/database/models_pkg"
)

// DeletionReport counts rows removed by a cascading delete.
type DeletionReport struct {
	ModelInferences  int64 `json:"model_inferences"`
	TrainingSessions int64 `json:"training_sessions"`
	Models           int64 `json:"models"`
	StockData        int64 `json:"stock_data"`
	DateMappings     int64 `json:"date_mappings"`
}

// DeleteDateMapping removes a date mapping and everything referencing it in
// one transaction, dependents first:
// model_inference -> training_session -> model -> stock_data -> date_mapping.
// Inferences and sessions of the removed models are deleted even when they
// point at other dates.
func DeleteDateMapping(ctx context.Context, db *gorm.DB, dateID int) (DeletionReport, error) {
	var report DeletionReport
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&models.DateMapping{}).Where("date_id = ?", dateID).Count(&exists).Error; err != nil {
			return WrapDBError("DeleteDateMapping", err)
		}
		if exists == 0 {
			return apperr.NotFound("date mapping %d not found", dateID)
		}

		modelIDs := tx.Model(&models.Model{}).Select("model_id").Where("date_id = ?", dateID)

		res := tx.Where("date_id = ? OR model_id IN (?)", dateID, modelIDs).Delete(&models.ModelInference{})
		if res.Error != nil {
			return WrapDBError("DeleteDateMapping inferences", res.Error)
		}
		report.ModelInferences = res.RowsAffected

		res = tx.Where("date_id = ? OR model_id IN (?)", dateID, modelIDs).Delete(&models.TrainingSession{})
		if res.Error != nil {
			return WrapDBError("DeleteDateMapping training sessions", res.Error)
		}
		report.TrainingSessions = res.RowsAffected

		res = tx.Where("date_id = ?", dateID).Delete(&models.Model{})
		if res.Error != nil {
			return WrapDBError("DeleteDateMapping models", res.Error)
		}
		report.Models = res.RowsAffected

		res = tx.Where("date_id = ?", dateID).Delete(&models.StockData{})
		if res.Error != nil {
			return WrapDBError("DeleteDateMapping stock data", res.Error)
		}
		report.StockData = res.RowsAffected

		res = tx.Where("date_id = ?", dateID).Delete(&models.DateMapping{})
		if res.Error != nil {
			return WrapDBError("DeleteDateMapping", res.Error)
		}
		report.DateMappings = res.RowsAffected
		return nil
	})
	return report, err
}

// DeleteModel removes a model with its inferences and training sessions.
func DeleteModel(ctx context.Context, db *gorm.DB, modelID int64) (DeletionReport, error) {
	var report DeletionReport
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&models.Model{}).Where("model_id = ?", modelID).Count(&exists).Error; err != nil {
			return WrapDBError("DeleteModel", err)
		}
		if exists == 0 {
			return apperr.NotFound("model %d not found", modelID)
		}

		res := tx.Where("model_id = ?", modelID).Delete(&models.ModelInference{})
		if res.Error != nil {
			return WrapDBError("DeleteModel inferences", res.Error)
		}
		report.ModelInferences = res.RowsAffected

		res = tx.Where("model_id = ?", modelID).Delete(&models.TrainingSession{})
		if res.Error != nil {
			return WrapDBError("DeleteModel training sessions", res.Error)
		}
		report.TrainingSessions = res.RowsAffected

		res = tx.Where("model_id = ?", modelID).Delete(&models.Model{})
		if res.Error != nil {
			return WrapDBError("DeleteModel", res.Error)
		}
		report.Models = res.RowsAffected
		return nil
	})
	return report, err
}
