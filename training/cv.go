package training

import (
	"fmt"

	"optiver-forecast/training/gbdt"
)

// Fold is one expanding-window split of time-ordered rows: train on
// [0, TrainEnd) and evaluate on [TrainEnd, TestEnd).
type Fold struct {
	TrainEnd int
	TestEnd  int
}

// TimeSeriesSplit cuts n ordered rows into k folds with equal test blocks
// at the end; every fold trains on all rows before its test block.
func TimeSeriesSplit(n, k int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", k)
	}
	if n < k+1 {
		return nil, fmt.Errorf("cannot split %d rows into %d folds", n, k)
	}
	size := n / (k + 1)
	first := n - k*size
	folds := make([]Fold, k)
	for i := range folds {
		start := first + i*size
		folds[i] = Fold{TrainEnd: start, TestEnd: start + size}
	}
	return folds, nil
}

// CVResult holds the model of every fold and its evaluation MAE.
type CVResult struct {
	Models []*gbdt.Model
	MAE    []float64
}

// MeanMAE averages the fold errors.
func (r CVResult) MeanMAE() float64 {
	if len(r.MAE) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.MAE {
		sum += v
	}
	return sum / float64(len(r.MAE))
}

// Last returns the model of the last fold, trained on the most data.
func (r CVResult) Last() *gbdt.Model {
	if len(r.Models) == 0 {
		return nil
	}
	return r.Models[len(r.Models)-1]
}

// CrossValidate trains one model per fold, each warm-started from base
// when it is not nil and early-stopped on its test block.
func CrossValidate(x [][]float64, y []float64, folds int, params gbdt.Params, base *gbdt.Model) (CVResult, error) {
	splits, err := TimeSeriesSplit(len(x), folds)
	if err != nil {
		return CVResult{}, err
	}

	var res CVResult
	for i, f := range splits {
		train := gbdt.Dataset{X: x[:f.TrainEnd], Y: y[:f.TrainEnd]}
		eval := gbdt.Dataset{X: x[f.TrainEnd:f.TestEnd], Y: y[f.TrainEnd:f.TestEnd]}
		m, err := gbdt.Train(train, &eval, params, base)
		if err != nil {
			return CVResult{}, fmt.Errorf("fold %d: %w", i+1, err)
		}
		res.Models = append(res.Models, m)
		res.MAE = append(res.MAE, m.BestScore)
	}
	return res, nil
}
