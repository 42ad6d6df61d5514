package classifier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var names = []string{"a", "b"}

func constantArtifact(label int, version string) *Artifact {
	classes := []int{1, 2, 3, 4}
	intercepts := make([]float64, len(classes))
	for i, c := range classes {
		if c == label {
			intercepts[i] = 5
		}
	}
	return &Artifact{
		Kind:         KindLogisticRegression,
		Version:      version,
		FeatureNames: names,
		Classes:      classes,
		Coefficients: [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}},
		Intercepts:   intercepts,
	}
}

func writeArtifact(t *testing.T, path string, art *Artifact) {
	t.Helper()
	require.NoError(t, SaveArtifact(path, art))
}

func TestLoadMissingArtifact(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"), nil)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestLoadCorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path, nil)
	assert.ErrorIs(t, err, ErrArtifactCorrupt)
}

func TestLoadRejectsNonPredictor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1"}`), 0o644))
	_, err := Load(path, nil)
	assert.ErrorIs(t, err, ErrNotPredictor)

	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"random_forest"}`), 0o644))
	_, err = Load(path, nil)
	assert.ErrorIs(t, err, ErrNotPredictor)
}

func TestLoadRejectsDifferentFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, constantArtifact(3, "v1"))

	_, err := Load(path, []string{"b", "a"})
	assert.ErrorIs(t, err, ErrIncompatibleArtifact)
}

func TestLoadRecordsProvenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, constantArtifact(3, "v1"))

	m, err := Load(path, names)
	require.NoError(t, err)
	assert.Equal(t, KindLogisticRegression, m.Kind)
	assert.Equal(t, "v1", m.Version)
	assert.Len(t, m.Checksum, 64)
	assert.Equal(t, path, m.Path)
}

func TestSaveArtifactRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	err := SaveArtifact(path, &Artifact{Kind: KindLogisticRegression})
	assert.ErrorIs(t, err, ErrArtifactCorrupt)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLogisticRegressionMulticlass(t *testing.T) {
	art := &Artifact{
		Kind:         KindLogisticRegression,
		Classes:      []int{1, 2, 3},
		Coefficients: [][]float64{{1, 0}, {0, 1}, {-1, -1}},
		Intercepts:   []float64{0, 0, 0},
	}
	p, err := art.predictor()
	require.NoError(t, err)

	got, err := p.Predict(context.Background(), [][]float64{{5, 1}, {1, 5}, {-3, -3}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestLogisticRegressionBinary(t *testing.T) {
	art := &Artifact{
		Kind:         KindLogisticRegression,
		Classes:      []int{0, 1},
		Coefficients: [][]float64{{2}},
		Intercepts:   []float64{-1},
		Scaler:       &Scaler{Mean: []float64{10}, Scale: []float64{0}},
	}
	p, err := art.predictor()
	require.NoError(t, err)

	// Scale 0 is treated as 1, so the decision boundary sits at x = 10.5.
	got, err := p.Predict(context.Background(), [][]float64{{10}, {11}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got)
}

func TestLogisticRegressionRejectsBadShapes(t *testing.T) {
	art := &Artifact{
		Kind:         KindLogisticRegression,
		Classes:      []int{1, 2, 3},
		Coefficients: [][]float64{{1, 0}, {0, 1}},
		Intercepts:   []float64{0, 0},
	}
	_, err := art.predictor()
	assert.ErrorIs(t, err, ErrArtifactCorrupt)

	art = constantArtifact(1, "")
	p, err := art.predictor()
	require.NoError(t, err)
	_, err = p.Predict(context.Background(), [][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestPredictHonoursCancelledContext(t *testing.T) {
	p, err := constantArtifact(1, "").predictor()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Predict(ctx, [][]float64{{1, 2}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictEmptyBatch(t *testing.T) {
	p, err := constantArtifact(1, "").predictor()
	require.NoError(t, err)

	got, err := p.Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecisionTree(t *testing.T) {
	art := &Artifact{
		Kind:         KindDecisionTree,
		FeatureNames: names,
		Nodes: []TreeNode{
			{FeatureIdx: 0, Threshold: 30, LeftChild: 1, RightChild: 2},
			{IsLeaf: true, ClassLabel: 1},
			{FeatureIdx: 1, Threshold: 50, LeftChild: 3, RightChild: 4},
			{IsLeaf: true, ClassLabel: 2},
			{IsLeaf: true, ClassLabel: 4},
		},
	}
	p, err := art.predictor()
	require.NoError(t, err)

	got, err := p.Predict(context.Background(), [][]float64{{20, 0}, {40, 10}, {40, 90}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, got)

	_, err = p.Predict(context.Background(), [][]float64{{1}})
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestDecisionTreeRejectsCycles(t *testing.T) {
	art := &Artifact{
		Kind: KindDecisionTree,
		Nodes: []TreeNode{
			{FeatureIdx: 0, LeftChild: 0, RightChild: 1},
			{IsLeaf: true},
		},
	}
	_, err := art.predictor()
	assert.ErrorIs(t, err, ErrArtifactCorrupt)
}

func TestStoreLoadsLazilyAndRetriesFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "best.json")
	var attempts atomic.Int32
	store := NewStore(path, names, nil, func(error, time.Duration) { attempts.Add(1) })

	assert.False(t, store.Status().Loaded)
	assert.Equal(t, int32(0), attempts.Load())
	payload, err := json.Marshal(store.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "loaded_at")

	_, err = store.Get(context.Background())
	require.ErrorIs(t, err, ErrArtifactNotFound)
	assert.NotEmpty(t, store.Status().LastError)
	assert.Nil(t, store.Status().LoadedAt)

	writeArtifact(t, path, constantArtifact(2, "v1"))
	m, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, int32(2), attempts.Load())
	require.NotNil(t, store.Status().LoadedAt)
	assert.Equal(t, m.LoadedAt, *store.Status().LoadedAt)

	again, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestStoreSharesConcurrentFirstLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, constantArtifact(2, "v1"))
	var attempts atomic.Int32
	store := NewStore(path, names, nil, func(error, time.Duration) { attempts.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestStoreReloadKeepsPreviousModelOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, constantArtifact(2, "v1"))
	store := NewStore(path, names, nil, nil)

	first, err := store.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = store.Reload(context.Background())
	require.ErrorIs(t, err, ErrArtifactCorrupt)

	current, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, current)

	writeArtifact(t, path, constantArtifact(4, "v2"))
	next, err := store.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", next.Version)
	assert.Equal(t, "v2", store.Status().Version)
	assert.Empty(t, store.Status().LastError)
}

func TestWatcherReloadsOnReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	writeArtifact(t, path, constantArtifact(2, "v1"))
	store := NewStore(path, names, nil, nil)
	_, err := store.Get(context.Background())
	require.NoError(t, err)

	w, err := NewWatcher(store, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeArtifact(t, path, constantArtifact(3, "v2"))

	require.Eventually(t, func() bool {
		return store.Status().Version == "v2"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTrainLogisticSeparatesClusters(t *testing.T) {
	centres := map[int][2]float64{1: {0, 0}, 2: {10, 0}, 3: {0, 10}}
	var X [][]float64
	var y []int
	for label, c := range centres {
		for i := 0; i < 30; i++ {
			dx := float64(i%5) * 0.3
			dy := float64(i/5) * 0.3
			X = append(X, []float64{c[0] + dx, c[1] + dy})
			y = append(y, label)
		}
	}

	art, err := TrainLogistic(X, y, TrainOptions{Epochs: 800, LearningRate: 0.5, FeatureNames: names, Version: "test"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, art.Classes)

	path := filepath.Join(t.TempDir(), "trained.json")
	writeArtifact(t, path, art)
	m, err := Load(path, names)
	require.NoError(t, err)

	acc, err := Evaluate(context.Background(), m, X, y)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc, 0.95)
}

func TestTrainLogisticRejectsBadInput(t *testing.T) {
	_, err := TrainLogistic(nil, nil, TrainOptions{})
	assert.Error(t, err)

	_, err = TrainLogistic([][]float64{{1}, {2}}, []int{1, 1}, TrainOptions{})
	assert.Error(t, err)

	_, err = TrainLogistic([][]float64{{1}, {2, 3}}, []int{1, 2}, TrainOptions{})
	assert.Error(t, err)
}

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 0.5, Accuracy([]int{1, 2, 3, 4}, []int{1, 2, 0, 0}))
	assert.Equal(t, 0.0, Accuracy(nil, nil))
}
