package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	models "optiver-forecast/database/models_pkg"
)

var predictionHeader = []string{"row_id", "stock_id", "date_id", "seconds_in_bucket", "target", "prediction"}

// Prediction is one line of an inference artifact.
type Prediction struct {
	RowID           string
	StockID         int
	DateID          int
	SecondsInBucket int
	Target          *float64
	Value           float64
}

// WritePredictions writes rows with their predictions as CSV. A missing
// target is written as an empty cell.
func WritePredictions(w io.Writer, rows []models.StockData, preds []float64) error {
	if len(rows) != len(preds) {
		return fmt.Errorf("%d rows but %d predictions", len(rows), len(preds))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(predictionHeader); err != nil {
		return err
	}
	for i, r := range rows {
		target := ""
		if r.Target != nil {
			target = strconv.FormatFloat(*r.Target, 'g', -1, 64)
		}
		rec := []string{
			r.RowID,
			strconv.Itoa(r.StockID),
			strconv.Itoa(r.DateID),
			strconv.Itoa(r.SecondsInBucket),
			target,
			strconv.FormatFloat(preds[i], 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPredictions parses an artifact written by WritePredictions.
func ReadPredictions(r io.Reader) ([]Prediction, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) != len(predictionHeader) {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	for i, h := range predictionHeader {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected header %v", header)
		}
	}

	var out []Prediction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		p, err := parsePrediction(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, p)
	}
}

func parsePrediction(rec []string) (Prediction, error) {
	var (
		p   = Prediction{RowID: rec[0]}
		err error
	)
	if p.StockID, err = strconv.Atoi(rec[1]); err != nil {
		return p, err
	}
	if p.DateID, err = strconv.Atoi(rec[2]); err != nil {
		return p, err
	}
	if p.SecondsInBucket, err = strconv.Atoi(rec[3]); err != nil {
		return p, err
	}
	if rec[4] != "" {
		t, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return p, err
		}
		p.Target = &t
	}
	if p.Value, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return p, err
	}
	return p, nil
}
