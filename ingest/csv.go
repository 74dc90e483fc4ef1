package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"optiver-forecast/apperr"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/logger"
)

// DefaultBatchSize is the number of CSV rows ingested per transaction.
const DefaultBatchSize = 5000

var requiredColumns = []string{"stock_id", "date_id", "seconds_in_bucket"}

// CSVReader decodes stock data rows from a CSV file with a header line.
// Columns are matched by name, unknown columns are ignored and empty or
// "nan" cells become null.
type CSVReader struct {
	r         *csv.Reader
	columns   map[string]int
	trainType string
	line      int
}

// NewCSVReader reads the header line of r. trainType is applied to rows
// when the file has no train_type column.
func NewCSVReader(r io.Reader, trainType string) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "failed to read CSV header")
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, apperr.Validation("CSV header is missing column %q", name)
		}
	}
	return &CSVReader{r: cr, columns: columns, trainType: trainType, line: 1}, nil
}

// Next returns the next row, or io.EOF at the end of the file.
func (c *CSVReader) Next() (*models.StockData, error) {
	record, err := c.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, apperr.Wrap(apperr.KindValidation, err, "failed to read CSV record")
	}
	c.line++

	p := recordParser{record: record, columns: c.columns}
	row := &models.StockData{
		StockID:              p.integer("stock_id"),
		DateID:               p.integer("date_id"),
		SecondsInBucket:      p.integer("seconds_in_bucket"),
		ImbalanceSize:        p.float("imbalance_size"),
		ImbalanceBuySellFlag: p.integer("imbalance_buy_sell_flag"),
		ReferencePrice:       p.float("reference_price"),
		MatchedSize:          p.float("matched_size"),
		FarPrice:             p.float("far_price"),
		NearPrice:            p.float("near_price"),
		BidPrice:             p.float("bid_price"),
		BidSize:              p.float("bid_size"),
		AskPrice:             p.float("ask_price"),
		AskSize:              p.float("ask_size"),
		WAP:                  p.float("wap"),
		Target:               p.float("target"),
		TimeID:               p.integer("time_id"),
		RowID:                p.text("row_id"),
		TrainType:            p.text("train_type"),
	}
	if p.err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, p.err, fmt.Sprintf("invalid CSV record on line %d", c.line))
	}
	if row.TrainType == "" {
		row.TrainType = c.trainType
	}
	return row, nil
}

// CSVOptions controls LoadCSV.
type CSVOptions struct {
	BatchSize int
	TrainType string
	Commit    bool
}

// LoadCSV ingests a CSV file batch by batch. Each batch is atomic; batches
// committed before a failure stay committed. It returns the number of rows
// ingested.
func (s *Service) LoadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (int, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	reader, err := NewCSVReader(r, opts.TrainType)
	if err != nil {
		return 0, err
	}

	total := 0
	batch := make([]*models.StockData, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := s.Ingest(ctx, batch, opts.Commit)
		if err != nil {
			return err
		}
		total += res.Rows
		s.log.Info("CSV batch ingested", logger.NewField("rows", res.Rows), logger.NewField("total", total))
		batch = make([]*models.StockData, 0, opts.BatchSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		batch = append(batch, row)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

type recordParser struct {
	record  []string
	columns map[string]int
	err     error
}

func (p *recordParser) cell(name string) (string, bool) {
	i, ok := p.columns[name]
	if !ok || i >= len(p.record) {
		return "", false
	}
	v := strings.TrimSpace(p.record[i])
	if v == "" || strings.EqualFold(v, "nan") {
		return "", false
	}
	return v, true
}

func (p *recordParser) text(name string) string {
	v, _ := p.cell(name)
	return v
}

func (p *recordParser) integer(name string) int {
	v, ok := p.cell(name)
	if !ok || p.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err == nil {
		return n
	}
	// pandas writes integer columns containing nulls as floats
	f, ferr := strconv.ParseFloat(v, 64)
	if ferr != nil || f != math.Trunc(f) {
		p.err = fmt.Errorf("column %s: %q is not an integer", name, v)
		return 0
	}
	return int(f)
}

func (p *recordParser) float(name string) *float64 {
	v, ok := p.cell(name)
	if !ok || p.err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: %q is not a number", name, v)
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
