package ingest

import (
	"encoding/json"

	"optiver-forecast/apperr"
	models "optiver-forecast/database/models_pkg"
)

// TickType is the message type of a single stock data row on the stream.
const TickType = "tick"

// Tick is the stream envelope of one order-book snapshot.
type Tick struct {
	Type string            `json:"type"`
	Data *models.StockData `json:"data"`
}

// NewTick wraps row.
func NewTick(row *models.StockData) Tick {
	return Tick{Type: TickType, Data: row}
}

// Encode returns the JSON form of t.
func (t Tick) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTick parses a tick message.
func DecodeTick(b []byte) (*Tick, error) {
	var t Tick
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed tick message")
	}
	if t.Data == nil {
		return nil, apperr.Validation("tick message has no data")
	}
	if t.Type == "" {
		t.Type = TickType
	}
	return &t, nil
}
