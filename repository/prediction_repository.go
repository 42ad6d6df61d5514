package repository

import (
	"context"

	"custcat-prediction-api/models"

	"gorm.io/gorm"
)

// ListParams selects a page of predictions, newest first. BeforeID of zero
// starts from the most recent record.
type ListParams struct {
	Limit    int
	BeforeID uint64
}

type PredictionRepository struct {
	db *gorm.DB
}

func NewPredictionRepository(db *gorm.DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// Create inserts p and fills in its ID and CreatedAt.
func (r *PredictionRepository) Create(ctx context.Context, p *models.Prediction) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PredictionRepository) List(ctx context.Context, params ListParams) ([]models.Prediction, error) {
	query := r.db.WithContext(ctx).Model(&models.Prediction{}).Order("id DESC")
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}
	if params.BeforeID > 0 {
		query = query.Where("id < ?", params.BeforeID)
	}
	var rows []models.Prediction
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PredictionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Prediction{}).Count(&n).Error
	return n, err
}

func (r *PredictionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
