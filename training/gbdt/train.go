package gbdt

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Params controls boosting. Zero values fall back to DefaultParams.
type Params struct {
	Rounds              int
	LearningRate        float64
	MaxDepth            int
	MinChildWeight      float64
	Lambda              float64
	EarlyStoppingRounds int
}

// DefaultParams returns the parameters used when a field is left unset.
func DefaultParams() Params {
	return Params{
		Rounds:              50,
		LearningRate:        0.01,
		MaxDepth:            6,
		MinChildWeight:      1,
		Lambda:              1,
		EarlyStoppingRounds: 30,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Rounds <= 0 {
		p.Rounds = d.Rounds
	}
	if p.LearningRate <= 0 {
		p.LearningRate = d.LearningRate
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = d.MaxDepth
	}
	if p.MinChildWeight <= 0 {
		p.MinChildWeight = d.MinChildWeight
	}
	if p.Lambda <= 0 {
		p.Lambda = d.Lambda
	}
	return p
}

// Dataset is a feature matrix with its labels.
type Dataset struct {
	X [][]float64
	Y []float64
}

// ErrEmptyDataset is returned when there is nothing to fit or evaluate.
var ErrEmptyDataset = errors.New("dataset is empty")

func (d Dataset) width() (int, error) {
	if len(d.X) == 0 {
		return 0, ErrEmptyDataset
	}
	if len(d.X) != len(d.Y) {
		return 0, fmt.Errorf("dataset has %d rows but %d labels", len(d.X), len(d.Y))
	}
	w := len(d.X[0])
	if w == 0 {
		return 0, fmt.Errorf("dataset has no features")
	}
	for i, row := range d.X {
		if len(row) != w {
			return 0, fmt.Errorf("row %d has %d features, expected %d", i, len(row), w)
		}
	}
	for i, y := range d.Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return 0, fmt.Errorf("label %d is not finite", i)
		}
	}
	return w, nil
}

// Train fits trees on train. When eval is given, MAE on eval is tracked
// after every round, training stops after EarlyStoppingRounds rounds
// without improvement and the model is cut back to its best round.
//
// A non-nil init continues boosting from that model, keeping its trees.
func Train(train Dataset, eval *Dataset, p Params, init *Model) (*Model, error) {
	width, err := train.width()
	if err != nil {
		return nil, err
	}
	p = p.withDefaults()

	var m *Model
	if init != nil {
		if init.NumFeatures != width {
			return nil, fmt.Errorf("base model expects %d features, data has %d", init.NumFeatures, width)
		}
		m = init.clone()
	} else {
		m = &Model{NumFeatures: width, BaseScore: mean(train.Y)}
	}

	pred := m.PredictAll(train.X)
	var evalPred []float64
	if eval != nil {
		ew, err := eval.width()
		if err != nil {
			return nil, fmt.Errorf("eval set: %w", err)
		}
		if ew != width {
			return nil, fmt.Errorf("eval set has %d features, train set has %d", ew, width)
		}
		evalPred = m.PredictAll(eval.X)
	}

	grad := make([]float64, len(train.Y))
	best, bestLen, since := math.Inf(1), len(m.Trees), 0
	for round := 0; round < p.Rounds; round++ {
		for i := range grad {
			grad[i] = pred[i] - train.Y[i]
		}
		tree := buildTree(train.X, grad, width, p)
		m.Trees = append(m.Trees, tree)
		for i, x := range train.X {
			pred[i] += tree.predict(x)
		}

		if eval == nil {
			continue
		}
		for i, x := range eval.X {
			evalPred[i] += tree.predict(x)
		}
		score := MAE(eval.Y, evalPred)
		if score < best {
			best, bestLen, since = score, len(m.Trees), 0
			continue
		}
		since++
		if p.EarlyStoppingRounds > 0 && since >= p.EarlyStoppingRounds {
			break
		}
	}

	if eval != nil {
		m.Trees = m.Trees[:bestLen]
		m.BestScore = best
	} else {
		m.BestScore = MAE(train.Y, pred)
	}
	m.BestIteration = len(m.Trees) - 1
	return m, nil
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// squared error has a constant hessian of one, so hessian sums are counts
type builder struct {
	x     [][]float64
	g     []float64
	width int
	p     Params
	nodes []Node
}

type split struct {
	feature     int
	threshold   float64
	missingLeft bool
	gain        float64
}

type entry struct {
	v float64
	g float64
}

func buildTree(x [][]float64, g []float64, width int, p Params) Tree {
	b := &builder{x: x, g: g, width: width, p: p}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

func (b *builder) score(g, h float64) float64 {
	return g * g / (h + b.p.Lambda)
}

func (b *builder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	var sumG float64
	for _, i := range idx {
		sumG += b.g[i]
	}
	sumH := float64(len(idx))

	if depth < b.p.MaxDepth {
		if s, ok := b.bestSplit(idx, sumG, sumH); ok {
			left, right := b.partition(idx, s)
			b.nodes[id] = Node{Feature: s.feature, Threshold: s.threshold, MissingLeft: s.missingLeft}
			l := b.grow(left, depth+1)
			r := b.grow(right, depth+1)
			b.nodes[id].Left, b.nodes[id].Right = l, r
			return id
		}
	}

	b.nodes[id] = Node{Leaf: true, Value: -sumG / (sumH + b.p.Lambda) * b.p.LearningRate}
	return id
}

func (b *builder) bestSplit(idx []int, sumG, sumH float64) (split, bool) {
	parent := b.score(sumG, sumH)
	minH := b.p.MinChildWeight
	best := split{}
	found := false
	vals := make([]entry, 0, len(idx))

	for f := 0; f < b.width; f++ {
		vals = vals[:0]
		var missG, missH float64
		for _, i := range idx {
			v := b.x[i][f]
			if math.IsNaN(v) {
				missG += b.g[i]
				missH++
				continue
			}
			vals = append(vals, entry{v: v, g: b.g[i]})
		}
		if len(vals) < 2 {
			continue
		}
		sort.Slice(vals, func(a, c int) bool { return vals[a].v < vals[c].v })

		var gl, hl float64
		for k := 0; k < len(vals)-1; k++ {
			gl += vals[k].g
			hl++
			if vals[k].v == vals[k+1].v {
				continue
			}
			gr, hr := sumG-missG-gl, sumH-missH-hl

			thr := vals[k].v + (vals[k+1].v-vals[k].v)/2
			if thr <= vals[k].v || math.IsInf(thr, 0) {
				thr = vals[k+1].v
			}

			if hl >= minH && hr+missH >= minH {
				if gain := b.score(gl, hl) + b.score(gr+missG, hr+missH) - parent; gain > best.gain {
					best, found = split{feature: f, threshold: thr, gain: gain}, true
				}
			}
			if missH > 0 && hl+missH >= minH && hr >= minH {
				if gain := b.score(gl+missG, hl+missH) + b.score(gr, hr) - parent; gain > best.gain {
					best, found = split{feature: f, threshold: thr, missingLeft: true, gain: gain}, true
				}
			}
		}
	}
	return best, found && best.gain > 1e-12
}

func (b *builder) partition(idx []int, s split) (left, right []int) {
	for _, i := range idx {
		v := b.x[i][s.feature]
		goLeft := v < s.threshold
		if math.IsNaN(v) {
			goLeft = s.missingLeft
		}
		if goLeft {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}
