package repository

import (
	"context"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.SubmissionAttempt) error
	ListByRegistration(ctx context.Context, registrationID string) ([]domain.SubmissionAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.SubmissionAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) ListByRegistration(ctx context.Context, registrationID string) ([]domain.SubmissionAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Order("created_at ASC, attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.SubmissionAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}
