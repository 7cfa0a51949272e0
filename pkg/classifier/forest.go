package classifier

import (
	"math"
	"math/rand"
)

// ForestConfig holds random forest hyperparameters
type ForestConfig struct {
	Trees           int `yaml:"trees" json:"trees"`
	MaxDepth        int `yaml:"max_depth" json:"max_depth"`
	MinSamplesSplit int `yaml:"min_samples_split" json:"min_samples_split"`
}

// RandomForest is a bagged ensemble of gini trees with balanced class weights
type RandomForest struct {
	Trees      []*DecisionTree `json:"trees"`
	Importance []float64       `json:"importance"`
}

// balancedWeights gives each class total weight n/2
func balancedWeights(y []float64) []float64 {
	positives := 0.0
	for _, v := range y {
		positives += v
	}
	n := float64(len(y))
	negatives := n - positives
	w := make([]float64, len(y))
	for i, v := range y {
		switch {
		case v > 0.5 && positives > 0:
			w[i] = n / (2 * positives)
		case v <= 0.5 && negatives > 0:
			w[i] = n / (2 * negatives)
		default:
			w[i] = 1
		}
	}
	return w
}

// FitForest trains a forest on bootstrap resamples with sqrt(features) per
// split. Importances are the normalized mean of per-tree importances.
func FitForest(x [][]float64, y []float64, cfg ForestConfig, rng *rand.Rand) *RandomForest {
	width := len(x[0])
	weights := balancedWeights(y)
	params := treeParams{
		maxDepth:        cfg.MaxDepth,
		minSamplesSplit: cfg.MinSamplesSplit,
		maxFeatures:     int(math.Max(1, math.Sqrt(float64(width)))),
		rng:             rng,
	}

	forest := &RandomForest{Importance: make([]float64, width)}
	idx := make([]int, len(x))
	for t := 0; t < cfg.Trees; t++ {
		for i := range idx {
			idx[i] = rng.Intn(len(x))
		}
		importance := make([]float64, width)
		forest.Trees = append(forest.Trees, fitTree(x, y, weights, idx, params, importance))
		for j, v := range normalize(importance) {
			forest.Importance[j] += v
		}
	}
	forest.Importance = normalize(forest.Importance)
	return forest
}

// Probability averages the positive-class leaf fractions over all trees
func (f *RandomForest) Probability(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}
