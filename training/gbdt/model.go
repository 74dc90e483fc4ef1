// Package gbdt implements gradient boosted regression trees with a squared
// error objective.
//
// Rows may contain NaN for missing values. Every split learns which side
// missing values go to, the way the features of an order book snapshot are
// missing before the auction book fills.
package gbdt

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// Node is one node of a regression tree. Leaf values already include the
// learning rate.
type Node struct {
	Feature     int     `json:"feature,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	Left        int     `json:"left,omitempty"`
	Right       int     `json:"right,omitempty"`
	MissingLeft bool    `json:"missing_left,omitempty"`
	Leaf        bool    `json:"leaf,omitempty"`
	Value       float64 `json:"value,omitempty"`
}

// Tree is a regression tree stored as a flat node list, root first.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v):
			if n.MissingLeft {
				i = n.Left
			} else {
				i = n.Right
			}
		case v < n.Threshold:
			i = n.Left
		default:
			i = n.Right
		}
	}
}

// Model is an additive ensemble of trees on top of a constant base score.
type Model struct {
	Features      []string `json:"features,omitempty"`
	NumFeatures   int      `json:"num_features"`
	BaseScore     float64  `json:"base_score"`
	Trees         []Tree   `json:"trees"`
	BestIteration int      `json:"best_iteration"`
	// BestScore is the evaluation MAE at BestIteration.
	BestScore float64 `json:"best_score"`
}

// Predict scores one row.
func (m *Model) Predict(x []float64) float64 {
	out := m.BaseScore
	for _, t := range m.Trees {
		out += t.predict(x)
	}
	return out
}

// PredictAll scores every row of x.
func (m *Model) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Predict(row)
	}
	return out
}

func (m *Model) clone() *Model {
	c := *m
	c.Features = append([]string(nil), m.Features...)
	c.Trees = append([]Tree(nil), m.Trees...)
	return &c
}

// Save writes the model as JSON.
func (m *Model) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(m)
}

// SaveFile writes the model to path.
func (m *Model) SaveFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return m.Save(f)
}

// Load reads a model written by Save and checks that its trees are well formed.
func Load(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads a model from path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (m *Model) check() error {
	if m.NumFeatures < 1 {
		return fmt.Errorf("model has no features")
	}
	if len(m.Features) > 0 && len(m.Features) != m.NumFeatures {
		return fmt.Errorf("model names %d features but expects %d", len(m.Features), m.NumFeatures)
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			// children come after their parent, so walks always terminate
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= m.NumFeatures {
				return fmt.Errorf("tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	return nil
}

// MAE is the mean absolute error of pred against y.
func MAE(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var sum float64
	for i := range y {
		sum += math.Abs(y[i] - pred[i])
	}
	return sum / float64(len(y))
}
