// Package training fits and applies the closing-auction price model: it
// turns stock data rows into features, cross-validates boosted trees over
// time, and runs the train and inference jobs queued by the trainer service.
package training

import (
	"math"
	"sort"

	models "optiver-forecast/database/models_pkg"
)

// priceColumns are the prices whose pairwise differences become features.
var priceColumns = []string{"reference_price", "far_price", "near_price", "ask_price", "bid_price", "wap"}

// FeatureNames lists the model inputs in column order.
var FeatureNames = featureNames()

func featureNames() []string {
	names := []string{
		"seconds_in_bucket",
		"imbalance_buy_sell_flag",
		"imbalance_size",
		"matched_size",
		"bid_size",
		"ask_size",
		"reference_price",
		"far_price",
		"near_price",
		"ask_price",
		"bid_price",
		"wap",
		"imb_s1",
		"imb_s2",
	}
	for i, a := range priceColumns {
		for _, b := range priceColumns[i+1:] {
			names = append(names, a+"_"+b+"_diff")
		}
	}
	return names
}

// Features builds the input vector of one row. Missing values and
// undefined ratios are NaN.
func Features(row *models.StockData) []float64 {
	prices := []float64{
		value(row.ReferencePrice),
		value(row.FarPrice),
		value(row.NearPrice),
		value(row.AskPrice),
		value(row.BidPrice),
		value(row.WAP),
	}
	bidSize, askSize := value(row.BidSize), value(row.AskSize)
	imbSize, matched := value(row.ImbalanceSize), value(row.MatchedSize)

	out := make([]float64, 0, len(FeatureNames))
	out = append(out,
		float64(row.SecondsInBucket),
		float64(row.ImbalanceBuySellFlag),
		imbSize,
		matched,
		bidSize,
		askSize,
	)
	out = append(out, prices...)
	out = append(out,
		ratio(bidSize-askSize, bidSize+askSize),
		ratio(imbSize-matched, imbSize+matched),
	)
	for i := range prices {
		for j := i + 1; j < len(prices); j++ {
			out = append(out, finite(prices[i]-prices[j]))
		}
	}
	return out
}

// Matrix builds the feature matrix of rows.
func Matrix(rows []models.StockData) [][]float64 {
	x := make([][]float64, len(rows))
	for i := range rows {
		x[i] = Features(&rows[i])
	}
	return x
}

// Labeled keeps production rows that carry a target, ordered by time so
// that folds never train on the future.
func Labeled(rows []models.StockData) []models.StockData {
	prod := Production(rows)
	out := prod[:0]
	for _, r := range prod {
		if r.Target != nil && !math.IsNaN(*r.Target) {
			out = append(out, r)
		}
	}
	return out
}

// Production keeps rows whose train_type is "prod", ordered by time.
func Production(rows []models.StockData) []models.StockData {
	out := make([]models.StockData, 0, len(rows))
	for _, r := range rows {
		if r.TrainType == "prod" {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DateID != b.DateID {
			return a.DateID < b.DateID
		}
		if a.SecondsInBucket != b.SecondsInBucket {
			return a.SecondsInBucket < b.SecondsInBucket
		}
		return a.StockID < b.StockID
	})
	return out
}

func value(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return finite(*p)
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return finite(num / den)
}
