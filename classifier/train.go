package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// TrainOptions tunes batch gradient descent.
type TrainOptions struct {
	Epochs       int
	LearningRate float64
	L2           float64
	Version      string
	FeatureNames []string
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.Epochs <= 0 {
		o.Epochs = 500
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	return o
}

// TrainLogistic fits a standardised multinomial logistic regression to X
// (one row per sample) and labels y, returning an artifact ready for
// SaveArtifact.
func TrainLogistic(X [][]float64, y []int, opts TrainOptions) (*Artifact, error) {
	opts = opts.withDefaults()
	if len(X) == 0 {
		return nil, errors.New("no training rows")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("%d rows but %d labels", len(X), len(y))
	}
	n, d := len(X), len(X[0])
	if d == 0 {
		return nil, errors.New("training rows have no features")
	}
	if len(opts.FeatureNames) > 0 && len(opts.FeatureNames) != d {
		return nil, fmt.Errorf("%d feature names for %d columns", len(opts.FeatureNames), d)
	}

	classes := slices.Clone(y)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	if len(classes) < 2 {
		return nil, errors.New("need at least two distinct labels")
	}
	classIdx := make(map[int]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}

	data := make([]float64, 0, n*d)
	for i, row := range X {
		if len(row) != d {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), d)
		}
		data = append(data, row...)
	}
	x := mat.NewDense(n, d, data)

	mean := make([]float64, d)
	scale := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		m, sd := stat.PopMeanStdDev(col, nil)
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		mean[j], scale[j] = m, sd
	}
	x.Apply(func(_, j int, v float64) float64 { return (v - mean[j]) / scale[j] }, x)

	k := len(classes)
	onehot := mat.NewDense(n, k, nil)
	for i, label := range y {
		onehot.Set(i, classIdx[label], 1)
	}

	w := mat.NewDense(k, d, nil)
	b := make([]float64, k)
	var scores, grad mat.Dense
	row := make([]float64, k)
	bias := make([]float64, k)
	inv := 1 / float64(n)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		scores.Mul(x, w.T())
		for i := 0; i < n; i++ {
			mat.Row(row, i, &scores)
			floats.Add(row, b)
			softmax(row)
			scores.SetRow(i, row)
		}
		// residual = p - onehot
		scores.Sub(&scores, onehot)

		grad.Mul(scores.T(), x)
		grad.Scale(inv, &grad)
		if opts.L2 > 0 {
			var reg mat.Dense
			reg.Scale(opts.L2, w)
			grad.Add(&grad, &reg)
		}
		grad.Scale(opts.LearningRate, &grad)
		w.Sub(w, &grad)

		for c := 0; c < k; c++ {
			bias[c] = floats.Sum(mat.Col(nil, c, &scores)) * inv
		}
		floats.AddScaled(b, -opts.LearningRate, bias)
	}

	coef := make([][]float64, k)
	for c := range coef {
		coef[c] = mat.Row(nil, c, w)
	}
	now := time.Now().UTC()
	return &Artifact{
		Kind:         KindLogisticRegression,
		Version:      opts.Version,
		FeatureNames: slices.Clone(opts.FeatureNames),
		TrainedAt:    &now,
		Classes:      classes,
		Coefficients: coef,
		Intercepts:   b,
		Scaler:       &Scaler{Mean: mean, Scale: scale},
	}, nil
}

// Evaluate runs p over X and returns its accuracy against y.
func Evaluate(ctx context.Context, p Predictor, X [][]float64, y []int) (float64, error) {
	got, err := p.Predict(ctx, X)
	if err != nil {
		return 0, err
	}
	if len(got) != len(y) {
		return 0, fmt.Errorf("predictor returned %d labels for %d rows", len(got), len(y))
	}
	return Accuracy(got, y), nil
}

func Accuracy(predicted, actual []int) float64 {
	if len(actual) == 0 || len(predicted) != len(actual) {
		return 0
	}
	hits := 0
	for i := range actual {
		if predicted[i] == actual[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(actual))
}

// softmax normalises row in place.
func softmax(row []float64) {
	maxv := floats.Max(row)
	for i, v := range row {
		row[i] = math.Exp(v - maxv)
	}
	floats.Scale(1/floats.Sum(row), row)
}
