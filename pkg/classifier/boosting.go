package classifier

import (
	"math"
)

// BoostingConfig holds gradient boosting hyperparameters
type BoostingConfig struct {
	Stages       int     `yaml:"stages" json:"stages"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	MaxDepth     int     `yaml:"max_depth" json:"max_depth"`
}

// GradientBoosting is a log-loss boosted ensemble of regression trees
type GradientBoosting struct {
	Init         float64         `json:"init"`
	LearningRate float64         `json:"learning_rate"`
	Trees        []*DecisionTree `json:"trees"`
}

const probabilityEpsilon = 1e-6

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// FitBoosting fits stage-wise trees to the log-loss residuals. Leaf values
// take one Newton step per leaf.
func FitBoosting(x [][]float64, y []float64, cfg BoostingConfig) *GradientBoosting {
	n := len(x)
	positives := 0.0
	for _, v := range y {
		positives += v
	}
	prior := math.Min(math.Max(positives/float64(n), probabilityEpsilon), 1-probabilityEpsilon)

	model := &GradientBoosting{Init: math.Log(prior / (1 - prior)), LearningRate: cfg.LearningRate}
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = model.Init
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	residuals := make([]float64, n)
	probs := make([]float64, n)
	params := treeParams{maxDepth: cfg.MaxDepth, minSamplesSplit: 2, regression: true}
	scratch := make([]float64, len(x[0]))

	for stage := 0; stage < cfg.Stages; stage++ {
		for i := range residuals {
			probs[i] = sigmoid(scores[i])
			residuals[i] = y[i] - probs[i]
		}
		tree := fitTree(x, residuals, ones, idx, params, scratch)

		numerator := make([]float64, len(tree.Nodes))
		denominator := make([]float64, len(tree.Nodes))
		leaves := make([]int, n)
		for i := range x {
			leaf := tree.leaf(x[i])
			leaves[i] = leaf
			numerator[leaf] += residuals[i]
			denominator[leaf] += probs[i] * (1 - probs[i])
		}
		for j := range tree.Nodes {
			if tree.Nodes[j].Left >= 0 {
				continue
			}
			if denominator[j] < probabilityEpsilon {
				tree.Nodes[j].Value = 0
				continue
			}
			tree.Nodes[j].Value = numerator[j] / denominator[j]
		}
		for i := range scores {
			scores[i] += cfg.LearningRate * tree.Nodes[leaves[i]].Value
		}
		model.Trees = append(model.Trees, tree)
	}
	return model
}

// Probability returns the positive-class probability for x
func (g *GradientBoosting) Probability(x []float64) float64 {
	score := g.Init
	for _, t := range g.Trees {
		score += g.LearningRate * t.Predict(x)
	}
	return sigmoid(score)
}
