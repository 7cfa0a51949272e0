package classifier

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogisticConfig holds logistic regression hyperparameters
type LogisticConfig struct {
	Iterations   int     `yaml:"iterations" json:"iterations"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	L2           float64 `yaml:"l2" json:"l2"`
}

// LogisticRegression is a balanced, L2 regularized binary logistic model
type LogisticRegression struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// FitLogistic runs batch gradient descent on the weighted log-loss
func FitLogistic(x [][]float64, y []float64, cfg LogisticConfig) *LogisticRegression {
	n, width := len(x), len(x[0])
	data := make([]float64, 0, n*width)
	for _, row := range x {
		data = append(data, row...)
	}
	design := mat.NewDense(n, width, data)
	sampleWeights := balancedWeights(y)
	totalWeight := floats.Sum(sampleWeights)

	weights := mat.NewVecDense(width, nil)
	bias := 0.0
	var scores, grad mat.VecDense
	errs := mat.NewVecDense(n, nil)

	for iter := 0; iter < cfg.Iterations; iter++ {
		scores.MulVec(design, weights)
		biasGrad := 0.0
		for i := 0; i < n; i++ {
			e := sampleWeights[i] * (sigmoid(scores.AtVec(i)+bias) - y[i])
			errs.SetVec(i, e)
			biasGrad += e
		}
		grad.MulVec(design.T(), errs)
		grad.ScaleVec(1/totalWeight, &grad)
		grad.AddScaledVec(&grad, cfg.L2/totalWeight, weights)

		weights.AddScaledVec(weights, -cfg.LearningRate, &grad)
		bias -= cfg.LearningRate * biasGrad / totalWeight
	}

	return &LogisticRegression{Weights: mat.Col(nil, 0, weights), Bias: bias}
}

// Probability returns the positive-class probability for x
func (l *LogisticRegression) Probability(x []float64) float64 {
	return sigmoid(floats.Dot(l.Weights, x) + l.Bias)
}
