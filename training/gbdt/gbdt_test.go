package gbdt

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepData labels rows 1 when x0 > 0.5 and -1 otherwise. x1 is noise-free
// but irrelevant.
func stepData(n int) Dataset {
	d := Dataset{X: make([][]float64, n), Y: make([]float64, n)}
	for i := 0; i < n; i++ {
		x0 := float64(i) / float64(n)
		d.X[i] = []float64{x0, float64(i % 3)}
		if x0 > 0.5 {
			d.Y[i] = 1
		} else {
			d.Y[i] = -1
		}
	}
	return d
}

func TestTrainFitsStepFunction(t *testing.T) {
	d := stepData(200)
	m, err := Train(d, nil, Params{Rounds: 100, LearningRate: 0.3, MaxDepth: 2}, nil)
	require.NoError(t, err)

	assert.Len(t, m.Trees, 100)
	assert.Equal(t, 2, m.NumFeatures)
	assert.InDelta(t, 1, m.Predict([]float64{0.9, 0}), 0.05)
	assert.InDelta(t, -1, m.Predict([]float64{0.1, 0}), 0.05)
	assert.Less(t, m.BestScore, 0.05)
}

func TestTrainLearnsMissingDirection(t *testing.T) {
	// missing x0 behaves like the low values
	d := Dataset{}
	for i := 0; i < 60; i++ {
		switch i % 3 {
		case 0:
			d.X = append(d.X, []float64{math.NaN()})
			d.Y = append(d.Y, 0)
		case 1:
			d.X = append(d.X, []float64{1})
			d.Y = append(d.Y, 0)
		default:
			d.X = append(d.X, []float64{2})
			d.Y = append(d.Y, 5)
		}
	}

	m, err := Train(d, nil, Params{Rounds: 80, LearningRate: 0.5, MaxDepth: 1}, nil)
	require.NoError(t, err)
	assert.True(t, m.Trees[0].Nodes[0].MissingLeft)
	assert.InDelta(t, 0, m.Predict([]float64{math.NaN()}), 0.1)
	assert.InDelta(t, 0, m.Predict([]float64{1}), 0.1)
	assert.InDelta(t, 5, m.Predict([]float64{2}), 0.1)
}

func TestEarlyStoppingCutsToBestRound(t *testing.T) {
	train := stepData(100)
	// an eval set whose labels are the opposite of the training labels gets
	// worse with every round after the first
	eval := stepData(50)
	for i := range eval.Y {
		eval.Y[i] = -eval.Y[i]
	}

	m, err := Train(train, &eval, Params{Rounds: 50, LearningRate: 0.3, MaxDepth: 2, EarlyStoppingRounds: 5}, nil)
	require.NoError(t, err)
	assert.Len(t, m.Trees, 1)
	assert.Equal(t, 0, m.BestIteration)
	assert.InDelta(t, MAE(eval.Y, m.PredictAll(eval.X)), m.BestScore, 1e-9)
}

func TestWarmStartKeepsBaseTrees(t *testing.T) {
	d := stepData(100)
	base, err := Train(d, nil, Params{Rounds: 10, LearningRate: 0.1, MaxDepth: 2}, nil)
	require.NoError(t, err)

	next, err := Train(d, nil, Params{Rounds: 5, LearningRate: 0.1, MaxDepth: 2}, base)
	require.NoError(t, err)
	assert.Len(t, next.Trees, 15)
	assert.Len(t, base.Trees, 10, "the base model is not modified")
	assert.Equal(t, base.BaseScore, next.BaseScore)
	assert.LessOrEqual(t, next.BestScore, base.BestScore)

	_, err = Train(Dataset{X: [][]float64{{1, 2, 3}}, Y: []float64{1}}, nil, Params{}, base)
	assert.Error(t, err)
}

func TestTrainRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data Dataset
	}{
		{"empty", Dataset{}},
		{"label count", Dataset{X: [][]float64{{1}, {2}}, Y: []float64{1}}},
		{"ragged", Dataset{X: [][]float64{{1}, {2, 3}}, Y: []float64{1, 2}}},
		{"nan label", Dataset{X: [][]float64{{1}}, Y: []float64{math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Train(tt.data, nil, Params{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := stepData(80)
	d.X[3][1] = math.NaN()
	m, err := Train(d, nil, Params{Rounds: 20, LearningRate: 0.2, MaxDepth: 3}, nil)
	require.NoError(t, err)
	m.Features = []string{"x0", "x1"}

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, m.SaveFile(path))
	loaded, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, m.Features, loaded.Features)
	assert.Equal(t, m.PredictAll(d.X), loaded.PredictAll(d.X))
}

func TestLoadRejectsMalformedTrees(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"no features", `{"num_features":0,"trees":[]}`},
		{"empty tree", `{"num_features":1,"trees":[{"nodes":[]}]}`},
		{"child loop", `{"num_features":1,"trees":[{"nodes":[{"left":0,"right":0}]}]}`},
		{"unknown feature", `{"num_features":1,"trees":[{"nodes":[{"feature":3,"left":1,"right":2},{"leaf":true},{"leaf":true}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(bytes.NewBufferString(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestMAE(t *testing.T) {
	assert.InDelta(t, 1.5, MAE([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.Zero(t, MAE(nil, nil))
}
