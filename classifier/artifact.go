// Package classifier loads the trained customer-category model from disk and
// runs inference with it.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

var (
	ErrArtifactNotFound     = errors.New("model artifact not found")
	ErrArtifactCorrupt      = errors.New("model artifact is corrupt")
	ErrNotPredictor         = errors.New("model artifact has no predict capability")
	ErrIncompatibleArtifact = errors.New("model artifact was trained on different features")
	ErrFeatureMismatch      = errors.New("feature vector width does not match model")
)

const (
	KindLogisticRegression = "logistic_regression"
	KindDecisionTree       = "decision_tree"
)

// Predictor returns one class label per input row.
type Predictor interface {
	Predict(ctx context.Context, rows [][]float64) ([]int, error)
}

// Artifact is the on-disk JSON form of a trained model.
type Artifact struct {
	Kind         string      `json:"kind"`
	Version      string      `json:"version,omitempty"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	TrainedAt    *time.Time  `json:"trained_at,omitempty"`
	Classes      []int       `json:"classes,omitempty"`
	Coefficients [][]float64 `json:"coefficients,omitempty"`
	Intercepts   []float64   `json:"intercepts,omitempty"`
	Scaler       *Scaler     `json:"scaler,omitempty"`
	Nodes        []TreeNode  `json:"nodes,omitempty"`
}

// Scaler standardises each feature as (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Model is a loaded, immutable predictor plus provenance.
type Model struct {
	Predictor
	Kind     string
	Version  string
	Path     string
	Checksum string
	LoadedAt time.Time
}

// Load reads and validates the artifact at path. When expected is non-empty
// and the artifact declares feature names, they must match exactly.
func Load(path string, expected []string) (*Model, error) {
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}

	var art Artifact
	if err := json.Unmarshal(payload, &art); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}

	predictor, err := art.predictor()
	if err != nil {
		return nil, err
	}
	if len(expected) > 0 && len(art.FeatureNames) > 0 && !slices.Equal(expected, art.FeatureNames) {
		return nil, fmt.Errorf("%w: have %v, want %v", ErrIncompatibleArtifact, art.FeatureNames, expected)
	}

	sum := sha256.Sum256(payload)
	return &Model{
		Predictor: predictor,
		Kind:      art.Kind,
		Version:   art.Version,
		Path:      path,
		Checksum:  hex.EncodeToString(sum[:]),
		LoadedAt:  time.Now().UTC(),
	}, nil
}

func (a *Artifact) predictor() (Predictor, error) {
	switch a.Kind {
	case KindLogisticRegression:
		return newLogisticRegression(a)
	case KindDecisionTree:
		return newDecisionTree(a)
	case "":
		return nil, fmt.Errorf("%w: kind is missing", ErrNotPredictor)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrNotPredictor, a.Kind)
	}
}

// SaveArtifact writes art to path through a temporary file so a watcher never
// observes a half-written artifact.
func SaveArtifact(path string, art *Artifact) error {
	if _, err := art.predictor(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// safePredict converts a panic inside inference into an error.
func safePredict(fn func() ([]int, error)) (labels []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			labels, err = nil, fmt.Errorf("inference panicked: %v", r)
		}
	}()
	return fn()
}
