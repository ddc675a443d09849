package svm

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Train fits a one-vs-one multi-class model over the given samples. X rows
// are feature vectors, y holds the integer class labels. At least two
// distinct classes are required.
func Train(X [][]float64, y []int, cfg Config) (*Model, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("train: need matching non-empty samples and labels, got %d/%d", len(X), len(y))
	}
	features := len(X[0])
	if features == 0 {
		return nil, fmt.Errorf("train: samples have no features")
	}
	for i, row := range X {
		if len(row) != features {
			return nil, fmt.Errorf("train: sample %d has %d features, expected %d", i, len(row), features)
		}
	}

	classes := sortedClasses(y)
	if len(classes) < 2 {
		return nil, fmt.Errorf("train: need at least two classes, got %d", len(classes))
	}

	if cfg.C <= 0 {
		cfg.C = 1.0
	}
	if cfg.Tol <= 0 {
		cfg.Tol = 1e-3
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 5
	}

	scaler := fitScaler(X)
	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = scaler.Transform(row)
	}

	gamma := cfg.Gamma
	if gamma <= 0 {
		gamma = 1 / float64(features)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	model := &Model{
		Features:  features,
		Classes:   classes,
		Gamma:     gamma,
		Scaler:    *scaler,
		Samples:   len(X),
		TrainedAt: time.Now().UTC(),
	}

	for a := 0; a < len(classes); a++ {
		for b := a + 1; b < len(classes); b++ {
			mach, err := trainPair(scaled, y, classes[a], classes[b], gamma, cfg, rng)
			if err != nil {
				return nil, fmt.Errorf("train: pair (%d,%d): %w", classes[a], classes[b], err)
			}
			model.Machines = append(model.Machines, *mach)
		}
	}

	return model, nil
}

func fitScaler(X [][]float64) *Scaler {
	features := len(X[0])
	mean := make([]float64, features)
	std := make([]float64, features)
	col := make([]float64, len(X))
	for f := 0; f < features; f++ {
		for i, row := range X {
			col[i] = row[f]
		}
		mean[f] = stat.Mean(col, nil)
		std[f] = stat.StdDev(col, nil)
		if std[f] == 0 || math.IsNaN(std[f]) {
			std[f] = 1
		}
	}
	return &Scaler{Mean: mean, Std: std}
}

// trainPair fits one binary machine on the subset belonging to the two
// classes, using simplified sequential minimal optimization.
func trainPair(scaled [][]float64, y []int, positive, negative int, gamma float64, cfg Config, rng *rand.Rand) (*BinaryMachine, error) {
	var xs [][]float64
	var ys []float64
	for i, label := range y {
		switch label {
		case positive:
			xs = append(xs, scaled[i])
			ys = append(ys, 1)
		case negative:
			xs = append(xs, scaled[i])
			ys = append(ys, -1)
		}
	}
	n := len(xs)
	if n < 2 {
		return nil, fmt.Errorf("not enough samples (%d)", n)
	}

	// The pair subsets stay in the low thousands, so a dense kernel matrix
	// is cheap and saves recomputing RBF values inside the optimizer.
	kernel := make([][]float64, n)
	for i := 0; i < n; i++ {
		kernel[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			k := rbf(gamma, xs[i], xs[j])
			kernel[i][j] = k
			kernel[j][i] = k
		}
	}

	alpha := make([]float64, n)
	var bias float64

	f := func(i int) float64 {
		sum := bias
		for j := 0; j < n; j++ {
			if alpha[j] != 0 {
				sum += alpha[j] * ys[j] * kernel[i][j]
			}
		}
		return sum
	}

	passes := 0
	for passes < cfg.MaxPasses {
		changed := 0
		for i := 0; i < n; i++ {
			ei := f(i) - ys[i]
			if !((ys[i]*ei < -cfg.Tol && alpha[i] < cfg.C) || (ys[i]*ei > cfg.Tol && alpha[i] > 0)) {
				continue
			}
			j := rng.Intn(n - 1)
			if j >= i {
				j++
			}
			ej := f(j) - ys[j]

			ai, aj := alpha[i], alpha[j]
			var lo, hi float64
			if ys[i] != ys[j] {
				lo = math.Max(0, aj-ai)
				hi = math.Min(cfg.C, cfg.C+aj-ai)
			} else {
				lo = math.Max(0, ai+aj-cfg.C)
				hi = math.Min(cfg.C, ai+aj)
			}
			if lo == hi {
				continue
			}

			eta := 2*kernel[i][j] - kernel[i][i] - kernel[j][j]
			if eta >= 0 {
				continue
			}

			alpha[j] = aj - ys[j]*(ei-ej)/eta
			alpha[j] = math.Min(hi, math.Max(lo, alpha[j]))
			if math.Abs(alpha[j]-aj) < 1e-5 {
				continue
			}
			alpha[i] = ai + ys[i]*ys[j]*(aj-alpha[j])

			b1 := bias - ei - ys[i]*(alpha[i]-ai)*kernel[i][i] - ys[j]*(alpha[j]-aj)*kernel[i][j]
			b2 := bias - ej - ys[i]*(alpha[i]-ai)*kernel[i][j] - ys[j]*(alpha[j]-aj)*kernel[j][j]
			switch {
			case alpha[i] > 0 && alpha[i] < cfg.C:
				bias = b1
			case alpha[j] > 0 && alpha[j] < cfg.C:
				bias = b2
			default:
				bias = (b1 + b2) / 2
			}
			changed++
		}
		if changed == 0 {
			passes++
		} else {
			passes = 0
		}
	}

	mach := &BinaryMachine{Positive: positive, Negative: negative, Bias: bias}
	for i := 0; i < n; i++ {
		if alpha[i] > 0 {
			sv := make([]float64, len(xs[i]))
			copy(sv, xs[i])
			mach.SupportVectors = append(mach.SupportVectors, sv)
			mach.Coefficients = append(mach.Coefficients, alpha[i]*ys[i])
		}
	}
	if len(mach.SupportVectors) == 0 {
		return nil, fmt.Errorf("optimization produced no support vectors")
	}
	return mach, nil
}
