package classifier

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogisticRegression is a linear multinomial classifier. With two classes and
// a single coefficient row it behaves like a binary decision function.
type LogisticRegression struct {
	classes   []int
	weights   *mat.Dense // rows: decision functions, cols: features
	intercept []float64
	mean      []float64
	scale     []float64
}

func newLogisticRegression(a *Artifact) (*LogisticRegression, error) {
	if len(a.Coefficients) == 0 {
		return nil, fmt.Errorf("%w: coefficients are empty", ErrArtifactCorrupt)
	}
	width := len(a.Coefficients[0])
	if width == 0 {
		return nil, fmt.Errorf("%w: coefficient rows are empty", ErrArtifactCorrupt)
	}
	rows := len(a.Coefficients)
	binary := rows == 1 && len(a.Classes) == 2
	if !binary && rows != len(a.Classes) {
		return nil, fmt.Errorf("%w: %d coefficient rows for %d classes", ErrArtifactCorrupt, rows, len(a.Classes))
	}
	if len(a.Classes) < 2 {
		return nil, fmt.Errorf("%w: need at least two classes", ErrArtifactCorrupt)
	}
	if len(a.Intercepts) != rows {
		return nil, fmt.Errorf("%w: %d intercepts for %d coefficient rows", ErrArtifactCorrupt, len(a.Intercepts), rows)
	}
	if len(a.FeatureNames) > 0 && len(a.FeatureNames) != width {
		return nil, fmt.Errorf("%w: %d feature names for %d coefficients", ErrArtifactCorrupt, len(a.FeatureNames), width)
	}

	data := make([]float64, 0, rows*width)
	for i, row := range a.Coefficients {
		if len(row) != width {
			return nil, fmt.Errorf("%w: coefficient row %d has %d values, want %d", ErrArtifactCorrupt, i, len(row), width)
		}
		data = append(data, row...)
	}

	lr := &LogisticRegression{
		classes:   append([]int(nil), a.Classes...),
		weights:   mat.NewDense(rows, width, data),
		intercept: append([]float64(nil), a.Intercepts...),
	}
	if a.Scaler != nil {
		if len(a.Scaler.Mean) != width || len(a.Scaler.Scale) != width {
			return nil, fmt.Errorf("%w: scaler does not match %d features", ErrArtifactCorrupt, width)
		}
		lr.mean = append([]float64(nil), a.Scaler.Mean...)
		lr.scale = make([]float64, width)
		for i, s := range a.Scaler.Scale {
			// A constant training column has zero spread; leave it unscaled.
			if s == 0 {
				s = 1
			}
			lr.scale[i] = s
		}
	}
	return lr, nil
}

func (lr *LogisticRegression) Width() int {
	_, c := lr.weights.Dims()
	return c
}

func (lr *LogisticRegression) Predict(ctx context.Context, rows [][]float64) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []int{}, nil
	}
	return safePredict(func() ([]int, error) {
		x, err := lr.design(rows)
		if err != nil {
			return nil, err
		}
		n, _ := x.Dims()
		k, _ := lr.weights.Dims()

		var scores mat.Dense
		scores.Mul(x, lr.weights.T())

		labels := make([]int, n)
		row := make([]float64, k)
		for i := 0; i < n; i++ {
			mat.Row(row, i, &scores)
			floats.Add(row, lr.intercept)
			if k == 1 {
				if row[0] > 0 {
					labels[i] = lr.classes[1]
				} else {
					labels[i] = lr.classes[0]
				}
				continue
			}
			labels[i] = lr.classes[floats.MaxIdx(row)]
		}
		return labels, nil
	})
}

// design builds the (optionally standardised) n×d input matrix.
func (lr *LogisticRegression) design(rows [][]float64) (*mat.Dense, error) {
	width := lr.Width()
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, model expects %d", ErrFeatureMismatch, i, len(r), width)
		}
		data = append(data, r...)
	}
	x := mat.NewDense(len(rows), width, data)
	if lr.mean != nil {
		x.Apply(func(_, j int, v float64) float64 {
			return (v - lr.mean[j]) / lr.scale[j]
		}, x)
	}
	return x, nil
}
