package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// StockData is one order-book snapshot of a stock within the closing
// auction of a trading day.
//
// Key Fields:
//   - RowID: "{date_id}_{seconds_in_bucket}_{stock_id}", unique per row
//   - DateID: business-day sequence index, references date_mapping
//   - SecondsInBucket: seconds since the start of the closing session
//   - Target: label used for training, missing for unlabeled rows
//   - TrainType: "prod" for production data, anything else for fixtures
//
// Price and size columns are nullable: snapshots taken before the auction
// book fills carry no far/near price.
type StockData struct {
	ID                   int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	RowID                string       `gorm:"size:32;uniqueIndex;not null" json:"row_id" validate:"required"`
	StockID              int          `gorm:"not null;index:idx_stock_data_date_stock,priority:2" json:"stock_id" validate:"gte=0"`
	DateID               int          `gorm:"not null;index:idx_stock_data_date_stock,priority:1" json:"date_id" validate:"gte=0"`
	SecondsInBucket      int          `gorm:"not null" json:"seconds_in_bucket" validate:"gte=0"`
	ImbalanceSize        *float64     `json:"imbalance_size"`
	ImbalanceBuySellFlag int          `json:"imbalance_buy_sell_flag" validate:"oneof=-1 0 1"`
	ReferencePrice       *float64     `json:"reference_price"`
	MatchedSize          *float64     `json:"matched_size"`
	FarPrice             *float64     `json:"far_price"`
	NearPrice            *float64     `json:"near_price"`
	BidPrice             *float64     `json:"bid_price"`
	BidSize              *float64     `json:"bid_size"`
	AskPrice             *float64     `json:"ask_price"`
	AskSize              *float64     `json:"ask_size"`
	WAP                  *float64     `gorm:"column:wap" json:"wap"`
	Target               *float64     `json:"target"`
	TimeID               int          `json:"time_id"`
	TrainType            string       `gorm:"size:20;index" json:"train_type"`
}

// TableName specifies the table name for StockData
func (StockData) TableName() string {
	return "stock_data"
}

// DateMapping links a date id to the calendar date it was resolved to.
// Rows are written once and never updated.
//
// The has-many fields only declare the foreign keys of the dependent tables;
// they are never loaded.
type DateMapping struct {
	DateID int       `gorm:"primaryKey;autoIncrement:false" json:"date_id"`
	Date   time.Time `gorm:"type:date;not null" json:"date"`

	StockData        []StockData       `gorm:"foreignKey:DateID;references:DateID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
	Models           []Model           `gorm:"foreignKey:DateID;references:DateID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
	Inferences       []ModelInference  `gorm:"foreignKey:DateID;references:DateID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
	TrainingSessions []TrainingSession `gorm:"foreignKey:DateID;references:DateID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
}

// TableName specifies the table name for DateMapping
func (DateMapping) TableName() string {
	return "date_mapping"
}

type dateMappingJSON struct {
	DateID int    `json:"date_id"`
	Date   string `json:"date"`
}

// MarshalJSON renders the date as YYYY-MM-DD.
func (d DateMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateMappingJSON{DateID: d.DateID, Date: d.Date.Format(time.DateOnly)})
}

// UnmarshalJSON accepts YYYY-MM-DD or RFC 3339 dates.
func (d *DateMapping) UnmarshalJSON(b []byte) error {
	var raw dateMappingJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, raw.Date)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, raw.Date); err != nil {
			return fmt.Errorf("invalid date %q: %w", raw.Date, err)
		}
	}
	d.DateID = raw.DateID
	d.Date = t
	return nil
}

// Model is a trained regressor whose artifact lives in the object store.
type Model struct {
	ModelID           int64     `gorm:"primaryKey;autoIncrement" json:"model_id"`
	ModelName         string    `gorm:"size:255;uniqueIndex;not null" json:"model_name"`
	ModelArtifactPath string    `gorm:"size:255;not null" json:"model_artifact_path"`
	DateID            int       `gorm:"not null;index" json:"date_id"`
	CreatedAt         time.Time `json:"created_at"`

	Inferences       []ModelInference  `gorm:"foreignKey:ModelID;references:ModelID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
	TrainingSessions []TrainingSession `gorm:"foreignKey:ModelID;references:ModelID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" validate:"-"`
}

// TableName specifies the table name for Model
func (Model) TableName() string {
	return "model"
}

// ModelInference records where the predictions of a model for a date are stored.
type ModelInference struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID     int64     `gorm:"not null;index:idx_inference_model_date,priority:1" json:"model_id"`
	DateID      int       `gorm:"not null;index:idx_inference_model_date,priority:2" json:"date_id"`
	Predictions string    `gorm:"size:255;not null" json:"predictions"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for ModelInference
func (ModelInference) TableName() string {
	return "model_inference"
}

// TrainingSession records which stocks of which date a model was trained on.
type TrainingSession struct {
	TrainingSessionID int64      `gorm:"primaryKey;autoIncrement" json:"training_session_id"`
	ModelID           int64      `gorm:"not null;index" json:"model_id"`
	DateID            int        `gorm:"index" json:"date_id"`
	StockIDs          Int64Array `json:"stock_ids"`
	CreatedAt         time.Time  `json:"created_at"`
}

// TableName specifies the table name for TrainingSession
func (TrainingSession) TableName() string {
	return "training_session"
}

// Int64Array is a list of ids stored as bigint[] on PostgreSQL and as the
// same "{1,2,3}" text form on other dialects.
type Int64Array []int64

// Value implements driver.Valuer
func (a Int64Array) Value() (driver.Value, error) {
	return pq.Int64Array(a).Value()
}

// Scan implements sql.Scanner
func (a *Int64Array) Scan(src any) error {
	return (*pq.Int64Array)(a).Scan(src)
}

// GormDataType implements schema.GormDataTypeInterface
func (Int64Array) GormDataType() string {
	return "int64array"
}

// GormDBDataType picks the column type per dialect.
func (Int64Array) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "bigint[]"
	}
	return "text"
}

// Job kinds and statuses
const (
	JobKindTrain     = "train"
	JobKindInference = "inference"

	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is a queued training or inference run.
type Job struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Kind       string     `gorm:"size:20;not null;index" json:"kind"`
	Status     string     `gorm:"size:20;not null;index" json:"status"`
	Payload    string     `gorm:"type:text;not null" json:"-"`
	Result     string     `gorm:"type:text" json:"result,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// MarshalJSON embeds the payload as a JSON object.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	payload := json.RawMessage(j.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return json.Marshal(struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}{alias: alias(j), Payload: payload})
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}
