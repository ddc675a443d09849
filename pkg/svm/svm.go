// Package svm implements a small multi-class support vector classifier with a
// radial-basis-function kernel. It exists to serve the difficulty classifier:
// two features, three classes, training sets in the low thousands. Training is
// a full refit via sequential minimal optimization; there is no incremental
// update path.
package svm

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Config holds the training hyperparameters.
type Config struct {
	// C is the soft-margin penalty.
	C float64
	// Gamma is the RBF kernel width. Zero selects 1/nFeatures over the
	// standardized inputs, matching the usual "scale" default.
	Gamma float64
	// Tol is the KKT violation tolerance for the optimizer.
	Tol float64
	// MaxPasses is how many consecutive passes without an alpha update end
	// optimization.
	MaxPasses int
	// Seed drives the optimizer's working-pair selection. Fixed seeds give
	// reproducible fits.
	Seed int64
}

// DefaultConfig returns the hyperparameters used by the difficulty
// classifier.
func DefaultConfig() Config {
	return Config{C: 1.0, Tol: 1e-3, MaxPasses: 5}
}

// Scaler standardizes features to zero mean and unit variance. The fitted
// parameters travel with the model so inference sees the same space as
// training.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Transform returns the standardized copy of x.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = (x[i] - s.Mean[i]) / s.Std[i]
	}
	return out
}

// BinaryMachine is one one-vs-one classifier inside a multi-class model.
// Decision values above zero vote for Positive, below zero for Negative.
type BinaryMachine struct {
	Positive       int         `json:"positive"`
	Negative       int         `json:"negative"`
	SupportVectors [][]float64 `json:"support_vectors"`
	// Coefficients are alpha_i * y_i for each support vector.
	Coefficients []float64 `json:"coefficients"`
	Bias         float64   `json:"bias"`
}

// Model is a trained multi-class RBF-kernel classifier. It is immutable once
// trained; retraining produces a new Model.
type Model struct {
	Features  int             `json:"features"`
	Classes   []int           `json:"classes"`
	Gamma     float64         `json:"gamma"`
	Scaler    Scaler          `json:"scaler"`
	Machines  []BinaryMachine `json:"machines"`
	Samples   int             `json:"samples"`
	TrainedAt time.Time       `json:"trained_at"`
}

// Prediction is the outcome of a single-sample inference.
type Prediction struct {
	Class int `json:"class"`
	// Probabilities are pairwise-coupled sigmoid estimates normalized over
	// the classes. They are calibrated only loosely and should be read as
	// confidence, not true posterior probability.
	Probabilities map[int]float64 `json:"probabilities"`
}

func rbf(gamma float64, a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-gamma * d * d)
}

func (m *BinaryMachine) decision(gamma float64, x []float64) float64 {
	sum := m.Bias
	for i, sv := range m.SupportVectors {
		sum += m.Coefficients[i] * rbf(gamma, sv, x)
	}
	return sum
}

// Predict runs single-sample inference and returns the winning class with
// per-class confidence estimates.
func (m *Model) Predict(x []float64) (*Prediction, error) {
	if len(x) != m.Features {
		return nil, fmt.Errorf("predict: expected %d features, got %d", m.Features, len(x))
	}
	if len(m.Machines) == 0 {
		return nil, fmt.Errorf("predict: model has no trained machines")
	}

	xs := m.Scaler.Transform(x)

	votes := make(map[int]int, len(m.Classes))
	scores := make(map[int]float64, len(m.Classes))
	for _, c := range m.Classes {
		scores[c] = 0
	}

	for i := range m.Machines {
		mach := &m.Machines[i]
		d := mach.decision(m.Gamma, xs)
		p := 1 / (1 + math.Exp(-d))
		scores[mach.Positive] += p
		scores[mach.Negative] += 1 - p
		if d >= 0 {
			votes[mach.Positive]++
		} else {
			votes[mach.Negative]++
		}
	}

	best := m.Classes[0]
	for _, c := range m.Classes[1:] {
		if votes[c] > votes[best] || (votes[c] == votes[best] && scores[c] > scores[best]) {
			best = c
		}
	}

	var total float64
	for _, s := range scores {
		total += s
	}
	probs := make(map[int]float64, len(scores))
	for c, s := range scores {
		if total > 0 {
			probs[c] = s / total
		}
	}

	return &Prediction{Class: best, Probabilities: probs}, nil
}

// SupportVectorCount returns the total number of support vectors across all
// pairwise machines.
func (m *Model) SupportVectorCount() int {
	n := 0
	for i := range m.Machines {
		n += len(m.Machines[i].SupportVectors)
	}
	return n
}

// MarshalBinary encodes the model for persistence.
func (m *Model) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary decodes a persisted model and sanity-checks its shape so a
// truncated or corrupt artifact is rejected rather than served.
func (m *Model) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decoding model: %w", err)
	}
	if err := m.validate(); err != nil {
		return fmt.Errorf("decoding model: %w", err)
	}
	return nil
}

func (m *Model) validate() error {
	if m.Features <= 0 {
		return fmt.Errorf("model has no features")
	}
	if len(m.Classes) < 2 || len(m.Machines) == 0 {
		return fmt.Errorf("model is not trained")
	}
	if len(m.Scaler.Mean) != m.Features || len(m.Scaler.Std) != m.Features {
		return fmt.Errorf("scaler shape does not match feature count")
	}
	for i := range m.Machines {
		mach := &m.Machines[i]
		if len(mach.SupportVectors) != len(mach.Coefficients) {
			return fmt.Errorf("machine %d has mismatched support vectors and coefficients", i)
		}
		for _, sv := range mach.SupportVectors {
			if len(sv) != m.Features {
				return fmt.Errorf("machine %d has a support vector of wrong dimension", i)
			}
		}
	}
	return nil
}

func sortedClasses(y []int) []int {
	seen := make(map[int]bool)
	var classes []int
	for _, c := range y {
		if !seen[c] {
			seen[c] = true
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	return classes
}
