package alerting

import (
	"math"
	"sync/atomic"
)

// AlertEvaluator decides whether a cycle's probability raises an alert and at
// which severity. The raise threshold can change while sessions read it.
type AlertEvaluator struct {
	threshold atomic.Uint64 // math.Float64bits
	high      float64
}

// NewAlertEvaluator creates an evaluator raising above threshold and marking
// alerts high above high
func NewAlertEvaluator(threshold, high float64) *AlertEvaluator {
	e := &AlertEvaluator{high: high}
	e.SetThreshold(threshold)
	return e
}

// SetThreshold replaces the raise threshold
func (e *AlertEvaluator) SetThreshold(threshold float64) {
	e.threshold.Store(math.Float64bits(threshold))
}

// Threshold returns the current raise threshold
func (e *AlertEvaluator) Threshold() float64 {
	return math.Float64frombits(e.threshold.Load())
}

// ShouldAlert reports whether probability strictly exceeds the threshold
func (e *AlertEvaluator) ShouldAlert(probability float64) bool {
	return probability > e.Threshold()
}

// Severity classifies probability
func (e *AlertEvaluator) Severity(probability float64) string {
	if probability > e.high {
		return SeverityHigh
	}
	return SeverityMedium
}
