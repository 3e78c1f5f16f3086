package quality

import (
	"math"
	"math/rand"
)

// isolationForest scores points by how quickly random axis-aligned splits
// isolate them. Shorter average path means more anomalous. Fit once per
// window; the forest is cheap enough to rebuild every pass.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
}

type isoNode struct {
	left, right *isoNode
	splitDim    int
	splitVal    float64
	size        int
}

// fitForest builds trees over random subsamples of the feature matrix.
func fitForest(features [][]float64, trees, sampleSize int, rng *rand.Rand) *isolationForest {
	if sampleSize > len(features) {
		sampleSize = len(features)
	}
	f := &isolationForest{sampleSize: sampleSize}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	sample := make([][]float64, sampleSize)
	for t := 0; t < trees; t++ {
		for i := range sample {
			sample[i] = features[rng.Intn(len(features))]
		}
		f.trees = append(f.trees, buildTree(sample, 0, maxDepth, rng))
	}
	return f
}

func buildTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(points) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(points)}
	}

	dims := len(points[0])
	dim := rng.Intn(dims)
	lo, hi := points[0][dim], points[0][dim]
	for _, p := range points {
		if p[dim] < lo {
			lo = p[dim]
		}
		if p[dim] > hi {
			hi = p[dim]
		}
	}
	if hi == lo {
		return &isoNode{size: len(points)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[dim] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(points)}
	}
	return &isoNode{
		splitDim: dim,
		splitVal: split,
		left:     buildTree(left, depth+1, maxDepth, rng),
		right:    buildTree(right, depth+1, maxDepth, rng),
	}
}

// score returns the anomaly score in (0, 1); values near 1 isolate fast.
func (f *isolationForest) score(point []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize))
}

func pathLength(n *isoNode, point []float64, depth float64) float64 {
	if n.left == nil {
		// External node: add the expected subtree depth for unsplit points.
		if n.size > 1 {
			return depth + avgPathLength(n.size)
		}
		return depth
	}
	if point[n.splitDim] < n.splitVal {
		return pathLength(n.left, point, depth+1)
	}
	return pathLength(n.right, point, depth+1)
}

// avgPathLength is the expected unsuccessful-search depth of a BST with n
// nodes, the standard normalization term.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
