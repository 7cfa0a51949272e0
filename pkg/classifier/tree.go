package classifier

import (
	"math/rand"
	"sort"
)

const minGain = 1e-12

// TreeNode is one node of a binary decision tree. Leaves have Left < 0.
type TreeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// DecisionTree is a CART tree stored as a flat node list rooted at index 0
type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	// non-constant features considered per split, all when <= 0
	maxFeatures int
	// regression uses weighted variance, classification weighted gini over 0/1 labels
	regression bool
	rng        *rand.Rand
}

type treeBuilder struct {
	x          [][]float64
	y          []float64
	w          []float64
	params     treeParams
	importance []float64
	tree       *DecisionTree
}

// fitTree grows a tree over the rows in idx. Impurity decreases are added to
// importance, indexed by feature.
func fitTree(x [][]float64, y, w []float64, idx []int, params treeParams, importance []float64) *DecisionTree {
	b := &treeBuilder{x: x, y: y, w: w, params: params, importance: importance, tree: &DecisionTree{}}
	if params.minSamplesSplit < 2 {
		b.params.minSamplesSplit = 2
	}
	b.build(append([]int(nil), idx...), 0)
	return b.tree
}

type moments struct {
	w, s1, s2 float64
}

func (m *moments) add(w, y float64) {
	m.w += w
	m.s1 += w * y
	m.s2 += w * y * y
}

func (m moments) sub(o moments) moments {
	return moments{w: m.w - o.w, s1: m.s1 - o.s1, s2: m.s2 - o.s2}
}

func (m moments) mean() float64 {
	if m.w <= 0 {
		return 0
	}
	return m.s1 / m.w
}

func (b *treeBuilder) impurity(m moments) float64 {
	if m.w <= 0 {
		return 0
	}
	p := m.s1 / m.w
	if b.params.regression {
		v := m.s2/m.w - p*p
		if v < 0 {
			return 0
		}
		return v
	}
	return 2 * p * (1 - p)
}

func (b *treeBuilder) build(idx []int, depth int) int {
	var total moments
	for _, i := range idx {
		total.add(b.w[i], b.y[i])
	}

	node := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, TreeNode{Left: -1, Right: -1, Value: total.mean()})

	if depth >= b.params.maxDepth || len(idx) < b.params.minSamplesSplit || b.impurity(total) <= minGain {
		return node
	}

	feature, threshold, gain, ok := b.bestSplit(idx, total)
	if !ok || gain <= minGain {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.importance[feature] += gain

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.tree.Nodes[node].Feature = feature
	b.tree.Nodes[node].Threshold = threshold
	b.tree.Nodes[node].Left = l
	b.tree.Nodes[node].Right = r
	return node
}

func (b *treeBuilder) featureOrder() []int {
	n := len(b.x[0])
	if b.params.rng == nil {
		features := make([]int, n)
		for i := range features {
			features[i] = i
		}
		return features
	}
	return b.params.rng.Perm(n)
}

// bestSplit returns the split with the largest weighted impurity decrease.
// Features constant over idx are skipped and do not count toward maxFeatures.
func (b *treeBuilder) bestSplit(idx []int, total moments) (int, float64, float64, bool) {
	parent := total.w * b.impurity(total)
	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0
	limit := b.params.maxFeatures
	if limit <= 0 {
		limit = len(b.x[0])
	}

	sorted := make([]int, len(idx))
	visited := 0
	for _, f := range b.featureOrder() {
		if visited == limit {
			break
		}
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })
		if b.x[sorted[0]][f] == b.x[sorted[len(sorted)-1]][f] {
			continue
		}
		visited++

		var left moments
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			left.add(b.w[i], b.y[i])

			current, next := b.x[i][f], b.x[sorted[k+1]][f]
			if current == next {
				continue
			}
			right := total.sub(left)
			if left.w <= 0 || right.w <= 0 {
				continue
			}
			gain := parent - left.w*b.impurity(left) - right.w*b.impurity(right)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = f, (current+next)/2, gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain, bestFeature >= 0
}

// leaf returns the index of the leaf x falls into
func (t *DecisionTree) leaf(x []float64) int {
	n := 0
	for t.Nodes[n].Left >= 0 {
		if x[t.Nodes[n].Feature] <= t.Nodes[n].Threshold {
			n = t.Nodes[n].Left
		} else {
			n = t.Nodes[n].Right
		}
	}
	return n
}

// Predict returns the leaf value for x
func (t *DecisionTree) Predict(x []float64) float64 {
	return t.Nodes[t.leaf(x)].Value
}

// valid reports whether every split references a feature below width and
// every child index is in range
func (t *DecisionTree) valid(width int) bool {
	if len(t.Nodes) == 0 {
		return false
	}
	for _, n := range t.Nodes {
		if n.Left < 0 {
			continue
		}
		if n.Feature < 0 || n.Feature >= width || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
			return false
		}
	}
	return true
}

// normalize scales values to sum to one, leaving an all-zero slice alone
func normalize(values []float64) []float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	out := make([]float64, len(values))
	if sum <= 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / sum
	}
	return out
}
