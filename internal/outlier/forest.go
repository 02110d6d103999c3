package outlier

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649015329

type Params struct {
	NEstimators   int     `json:"n_estimators"`
	Contamination float64 `json:"contamination"`
	MaxSamples    int     `json:"max_samples"`
	Seed          uint64  `json:"seed"`
}

func DefaultParams() Params {
	return Params{NEstimators: 200, Contamination: 0.1, MaxSamples: 256, Seed: 42}
}

// Node is one node of a flattened isolation tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Size      int     `json:"n,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a fitted isolation forest. Scores follow the usual convention:
// the negated anomaly score in [-1, 0), lower is more anomalous.
type Forest struct {
	Trees      []Tree  `json:"trees"`
	Dim        int     `json:"dim"`
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Params     Params  `json:"params"`
}

// FitForest grows the ensemble on X and calibrates the outlier offset so that
// roughly Contamination of the training rows fall below it.
func FitForest(X [][]float64, p Params) (*Forest, error) {
	if len(X) == 0 {
		return nil, errors.New("fit: no training rows")
	}
	dim := len(X[0])
	for i, row := range X {
		if len(row) != dim {
			return nil, fmt.Errorf("fit: row %d has %d features, want %d", i, len(row), dim)
		}
	}
	if p.NEstimators <= 0 {
		p.NEstimators = DefaultParams().NEstimators
	}
	if p.MaxSamples <= 0 {
		p.MaxSamples = DefaultParams().MaxSamples
	}
	if p.Contamination <= 0 || p.Contamination > 0.5 {
		return nil, fmt.Errorf("fit: contamination %v out of range (0, 0.5]", p.Contamination)
	}
	sampleSize := p.MaxSamples
	if sampleSize > len(X) {
		sampleSize = len(X)
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	f := &Forest{
		Trees:      make([]Tree, p.NEstimators),
		Dim:        dim,
		MaxSamples: sampleSize,
		Params:     p,
	}
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	for t := range f.Trees {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		sample := make([]int, sampleSize)
		copy(sample, idx[:sampleSize])
		b := treeBuilder{x: X, rng: rng, limit: heightLimit, dim: dim}
		b.grow(sample, 0)
		f.Trees[t] = Tree{Nodes: b.nodes}
	}

	train := f.Score(X)
	f.Offset = percentile(train, 100*p.Contamination)
	return f, nil
}

type treeBuilder struct {
	x     [][]float64
	rng   *rand.Rand
	limit int
	dim   int
	nodes []Node
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Size: len(rows)})
	if depth >= b.limit || len(rows) <= 1 {
		return id
	}
	// only features that still vary within the node can split it
	candidates := make([]int, 0, b.dim)
	lo := make([]float64, b.dim)
	hi := make([]float64, b.dim)
	for j := 0; j < b.dim; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			v := b.x[r][j]
			if v < lo[j] {
				lo[j] = v
			}
			if v > hi[j] {
				hi[j] = v
			}
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return id
	}
	feat := candidates[b.rng.IntN(len(candidates))]
	thr := lo[feat] + b.rng.Float64()*(hi[feat]-lo[feat])
	if thr >= hi[feat] {
		thr = lo[feat]
	}
	left := make([]int, 0, len(rows))
	right := make([]int, 0, len(rows))
	for _, r := range rows {
		if b.x[r][feat] <= thr {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: feat, Threshold: thr, Left: l, Right: r, Size: len(rows)}
	return id
}

func (t Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns the negated anomaly score of each row.
func (f *Forest) Score(X [][]float64) []float64 {
	norm := averagePathLength(f.MaxSamples)
	if norm <= 0 {
		norm = 1
	}
	out := make([]float64, len(X))
	for i, x := range X {
		var sum float64
		for _, t := range f.Trees {
			sum += t.pathLength(x)
		}
		mean := sum / float64(len(f.Trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

// Outlier reports whether a score falls below the calibrated offset.
func (f *Forest) Outlier(score float64) bool {
	return score-f.Offset < 0
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
