package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/models"

	"go.uber.org/zap"
)

// Stage names the pipeline step a prediction failed in.
type Stage string

const (
	StageLoad      Stage = "load"
	StageInference Stage = "inference"
	StagePersist   Stage = "persist"
)

var ErrLabelCount = errors.New("model returned wrong number of labels")

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorStage returns the stage of err, or "" if err is not a StageError.
func ErrorStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

type PredictionStore interface {
	Create(ctx context.Context, p *models.Prediction) error
}

type ModelSource interface {
	Get(ctx context.Context) (*classifier.Model, error)
}

// RowFailure is a batch row that was predicted but not persisted. Row is
// 1-based.
type RowFailure struct {
	Row        int    `json:"row"`
	Prediction int    `json:"prediction"`
	Error      string `json:"error"`
}

type BatchResult struct {
	TotalRows int                 `json:"total_rows"`
	Saved     []models.Prediction `json:"predictions"`
	Failures  []RowFailure        `json:"failures"`
}

func (r BatchResult) Dropped() int { return len(r.Failures) }

type PredictionService struct {
	store     PredictionStore
	models    ModelSource
	publisher Publisher
	metrics   *Metrics
	logger    *zap.Logger
}

func NewPredictionService(store PredictionStore, src ModelSource, pub Publisher, metrics *Metrics, logger *zap.Logger) *PredictionService {
	if pub == nil {
		pub = NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionService{store: store, models: src, publisher: pub, metrics: metrics, logger: logger}
}

func (s *PredictionService) LoadModel(ctx context.Context) (*classifier.Model, error) {
	m, err := s.models.Get(ctx)
	if err != nil {
		s.fail(StageLoad)
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	return m, nil
}

func (s *PredictionService) PredictOne(ctx context.Context, f models.Features) (*models.Prediction, error) {
	m, err := s.LoadModel(ctx)
	if err != nil {
		return nil, err
	}
	return s.PredictOneWith(ctx, m, f)
}

func (s *PredictionService) PredictOneWith(ctx context.Context, m *classifier.Model, f models.Features) (*models.Prediction, error) {
	labels, err := s.infer(ctx, m, [][]float64{f.Vector()})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PredictionsTotal.WithLabelValues("single").Inc()
	}

	record := &models.Prediction{Features: f, Prediction: labels[0]}
	if err := s.store.Create(ctx, record); err != nil {
		s.fail(StagePersist)
		s.logger.Error("persist prediction failed", zap.Error(err))
		return nil, &StageError{Stage: StagePersist, Err: err}
	}
	if s.metrics != nil {
		s.metrics.RowsSaved.Inc()
	}
	s.publish(ctx, record)
	return record, nil
}

// PredictBatch classifies rows with one inference call, then persists each
// row on its own. Rows that fail to persist are reported, not fatal.
func (s *PredictionService) PredictBatch(ctx context.Context, rows []models.Features) (*BatchResult, error) {
	m, err := s.LoadModel(ctx)
	if err != nil {
		return nil, err
	}
	return s.PredictBatchWith(ctx, m, rows)
}

func (s *PredictionService) PredictBatchWith(ctx context.Context, m *classifier.Model, rows []models.Features) (*BatchResult, error) {
	vectors := make([][]float64, len(rows))
	for i, r := range rows {
		vectors[i] = r.Vector()
	}
	labels, err := s.infer(ctx, m, vectors)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PredictionsTotal.WithLabelValues("batch").Add(float64(len(labels)))
	}

	result := &BatchResult{
		TotalRows: len(rows),
		Saved:     make([]models.Prediction, 0, len(rows)),
		Failures:  []RowFailure{},
	}
	for i, f := range rows {
		record := &models.Prediction{Features: f, Prediction: labels[i]}
		if err := s.store.Create(ctx, record); err != nil {
			s.logger.Warn("persist batch row failed", zap.Int("row", i+1), zap.Error(err))
			result.Failures = append(result.Failures, RowFailure{Row: i + 1, Prediction: labels[i], Error: err.Error()})
			if s.metrics != nil {
				s.metrics.RowsDropped.Inc()
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.RowsSaved.Inc()
		}
		result.Saved = append(result.Saved, *record)
		s.publish(ctx, record)
	}
	if len(result.Failures) > 0 {
		s.fail(StagePersist)
	}
	s.logger.Info("batch prediction completed",
		zap.Int("total_rows", result.TotalRows),
		zap.Int("saved", len(result.Saved)),
		zap.Int("dropped", result.Dropped()),
	)
	return result, nil
}

func (s *PredictionService) infer(ctx context.Context, m *classifier.Model, vectors [][]float64) ([]int, error) {
	start := time.Now()
	labels, err := m.Predict(ctx, vectors)
	if s.metrics != nil {
		s.metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
	}
	if err == nil && len(labels) != len(vectors) {
		err = fmt.Errorf("%w: got %d for %d rows", ErrLabelCount, len(labels), len(vectors))
	}
	if err != nil {
		s.fail(StageInference)
		return nil, &StageError{Stage: StageInference, Err: err}
	}
	return labels, nil
}

func (s *PredictionService) publish(ctx context.Context, p *models.Prediction) {
	if err := s.publisher.Publish(ctx, NewPredictionEvent(p)); err != nil {
		s.logger.Warn("publish prediction event failed", zap.Uint64("id", p.ID), zap.Error(err))
	}
}

func (s *PredictionService) fail(stage Stage) {
	if s.metrics != nil {
		s.metrics.StageFailures.WithLabelValues(string(stage)).Inc()
	}
}
