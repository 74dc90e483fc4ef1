package handlers

import (
	"context"

	"optiver-forecast/database"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
)

// TickHandler ingests one stock data row per tick message.
type TickHandler struct {
	ingest *ingest.Service
	log    *logger.Logger
}

// NewTickHandler creates a tick handler writing through svc.
func NewTickHandler(svc *ingest.Service, log *logger.Logger) *TickHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &TickHandler{ingest: svc, log: log}
}

// GetMessageType returns ingest.TickType
func (h *TickHandler) GetMessageType() string {
	return ingest.TickType
}

// Handle decodes the tick and commits its row. A row whose row_id already
// exists is treated as delivered, since the stream redelivers messages whose
// offset was not committed. Other conflicts, such as a foreign key failure,
// are returned.
func (h *TickHandler) Handle(ctx context.Context, data []byte) error {
	tick, err := ingest.DecodeTick(data)
	if err != nil {
		return err
	}

	_, err = h.ingest.Ingest(ctx, []*models.StockData{tick.Data}, true)
	if err == nil {
		return nil
	}
	if database.IsDuplicateKey(err) {
		h.log.Debug("tick already ingested", logger.NewField("row_id", tick.Data.RowID))
		return nil
	}
	h.log.Warn("tick rejected", logger.NewField("row_id", tick.Data.RowID), logger.NewField("error", err.Error()))
	return err
}
