package anomaly

import (
	"math"
	"math/rand/v2"
)

const eulerGamma = 0.5772156649015329

// itree is one isolation tree. Leaves have nil children.
type itree struct {
	feature     int
	split       float64
	left, right *itree
	size        int
}

type forest struct {
	trees      []*itree
	sampleSize int
}

// growForest builds trees on random subsamples drawn without replacement.
// All randomness comes from rng, so a fixed seed gives a fixed forest.
func growForest(data [][]float64, trees, sampleSize int, rng *rand.Rand) *forest {
	n := len(data)
	if sampleSize > n {
		sampleSize = n
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	f := &forest{trees: make([]*itree, trees), sampleSize: sampleSize}
	for t := range f.trees {
		perm := rng.Perm(n)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for i, idx := range perm {
			sample[i] = data[idx]
		}
		f.trees[t] = growTree(sample, 0, maxDepth, rng)
	}
	return f
}

func growTree(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *itree {
	if depth >= maxDepth || len(sample) <= 1 {
		return &itree{size: len(sample)}
	}

	// Only features that still vary can split.
	dims := len(sample[0])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo[d], hi[d] = sample[0][d], sample[0][d]
		for _, row := range sample[1:] {
			lo[d] = math.Min(lo[d], row[d])
			hi[d] = math.Max(hi[d], row[d])
		}
		if hi[d] > lo[d] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &itree{size: len(sample)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &itree{
		feature: feature,
		split:   split,
		left:    growTree(left, depth+1, maxDepth, rng),
		right:   growTree(right, depth+1, maxDepth, rng),
		size:    len(sample),
	}
}

func (t *itree) pathLength(x []float64) float64 {
	depth := 0.0
	node := t
	for node.left != nil {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return depth + averagePathLength(node.size)
}

// score is 2^(-E[h(x)] / c(psi)); values near 1 are isolated quickly.
func (f *forest) score(x []float64) float64 {
	c := averagePathLength(f.sampleSize)
	if c == 0 || len(f.trees) == 0 {
		return 0.5
	}
	var total float64
	for _, t := range f.trees {
		total += t.pathLength(x)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/c)
}

// averagePathLength is the expected unsuccessful-search path length in a
// binary search tree of n items.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}
