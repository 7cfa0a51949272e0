package classifier

import (
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// CVScore is the cross-validated accuracy of one model family
type CVScore struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

type fitFunc func(x [][]float64, y []float64) func([]float64) float64

// stratifiedFolds deals shuffled class members round-robin into k folds
func stratifiedFolds(y []float64, k int, rng *rand.Rand) [][]int {
	var positives, negatives []int
	for i, v := range y {
		if v > 0.5 {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}
	rng.Shuffle(len(positives), func(i, j int) { positives[i], positives[j] = positives[j], positives[i] })
	rng.Shuffle(len(negatives), func(i, j int) { negatives[i], negatives[j] = negatives[j], negatives[i] })

	folds := make([][]int, k)
	next := 0
	for _, class := range [][]int{positives, negatives} {
		for _, i := range class {
			folds[next%k] = append(folds[next%k], i)
			next++
		}
	}
	return folds
}

// crossValidate reports held-out accuracy over stratified folds. Folds whose
// training part holds a single class still count, the models degrade to the
// prior.
func crossValidate(x [][]float64, y []float64, k int, rng *rand.Rand, fit fitFunc) CVScore {
	if k > len(x) {
		k = len(x)
	}
	if k < 2 {
		return CVScore{}
	}
	folds := stratifiedFolds(y, k, rng)
	test := make([]bool, len(x))
	var accuracies []float64

	for _, fold := range folds {
		if len(fold) == 0 {
			continue
		}
		for i := range test {
			test[i] = false
		}
		for _, i := range fold {
			test[i] = true
		}
		var trainX [][]float64
		var trainY []float64
		for i := range x {
			if !test[i] {
				trainX = append(trainX, x[i])
				trainY = append(trainY, y[i])
			}
		}
		predict := fit(trainX, trainY)
		correct := 0
		for _, i := range fold {
			if (predict(x[i]) > 0.5) == (y[i] > 0.5) {
				correct++
			}
		}
		accuracies = append(accuracies, float64(correct)/float64(len(fold)))
	}

	mean, std := stat.PopMeanStdDev(accuracies, nil)
	return CVScore{Mean: mean, Std: std}
}
