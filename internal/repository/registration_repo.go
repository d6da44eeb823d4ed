package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"gorm.io/gorm"
)

type RegistrationRepository interface {
	Create(ctx context.Context, r *domain.Registration) error
	GetByID(ctx context.Context, id string) (*domain.Registration, error)
	GetLatestByReservation(ctx context.Context, reservationID int64) (*domain.Registration, error)
	ListByReservation(ctx context.Context, reservationID int64) ([]domain.Registration, error)
	ListPendingForRetry(ctx context.Context, limit int) ([]domain.Registration, error)
	ListAwaitingConfirmation(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Registration, error)
	MarkPolled(ctx context.Context, id string, at time.Time) error
	UpdatePendingPayload(ctx context.Context, id string, payload json.RawMessage, submissionDate string) error
	ApplyTransition(ctx context.Context, t *domain.Transition, attempt *domain.SubmissionAttempt) error
}

type GormRegistrationRepo struct {
	db *gorm.DB
}

func NewGormRegistrationRepo(db *gorm.DB) *GormRegistrationRepo {
	return &GormRegistrationRepo{db: db}
}

// Create inserts a new record. A second active record for the same reservation
// violates idx_registrations_active_reservation and yields ErrConcurrencyConflict.
func (r *GormRegistrationRepo) Create(ctx context.Context, reg *domain.Registration) error {
	model := registrationModelFromDomain(reg)
	if model == nil {
		return fmt.Errorf("%w: registration is required", domain.ErrValidation)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return fmt.Errorf("%w: reservation %d already has an active registration", domain.ErrConcurrencyConflict, reg.ReservationID)
		}
		return err
	}
	*reg = *registrationModelToDomain(model)
	return nil
}

func (r *GormRegistrationRepo) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	var model RegistrationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return registrationModelToDomain(&model), nil
}

func (r *GormRegistrationRepo) GetLatestByReservation(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	var model RegistrationModel
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return registrationModelToDomain(&model), nil
}

func (r *GormRegistrationRepo) ListByReservation(ctx context.Context, reservationID int64) ([]domain.Registration, error) {
	var models []RegistrationModel
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return registrationsToDomain(models), nil
}

func (r *GormRegistrationRepo) ListPendingForRetry(ctx context.Context, limit int) ([]domain.Registration, error) {
	var models []RegistrationModel
	err := r.db.WithContext(ctx).
		Where("state IN ?", domain.RetryableStates()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return registrationsToDomain(models), nil
}

// ListAwaitingConfirmation returns sent records that carry an authority
// reference and were neither changed nor polled since updatedBefore, least
// recently looked at first. Polling a record moves it to the back.
func (r *GormRegistrationRepo) ListAwaitingConfirmation(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Registration, error) {
	var models []RegistrationModel
	err := r.db.WithContext(ctx).
		Where("state = ?", domain.StateSent).
		Where("authority_reference IS NOT NULL AND authority_reference <> ''").
		Where("COALESCE(last_polled_at, updated_at) <= ?", updatedBefore).
		Order("COALESCE(last_polled_at, updated_at) ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return registrationsToDomain(models), nil
}

// MarkPolled stamps a sent record the authority reported unchanged.
func (r *GormRegistrationRepo) MarkPolled(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RegistrationModel{}).
		Where("id = ? AND state = ?", id, domain.StateSent).
		UpdateColumn("last_polled_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: registration %s is no longer sent", domain.ErrConcurrencyConflict, id)
	}
	return nil
}

// UpdatePendingPayload replaces the payload of a record that has not been sent yet.
func (r *GormRegistrationRepo) UpdatePendingPayload(ctx context.Context, id string, payload json.RawMessage, submissionDate string) error {
	result := r.db.WithContext(ctx).
		Model(&RegistrationModel{}).
		Where("id = ? AND state = ? AND attempt_count = 0", id, domain.StatePending).
		Updates(map[string]any{
			"payload":         payload,
			"submission_date": submissionDate,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: registration %s is no longer pending", domain.ErrConcurrencyConflict, id)
	}
	return nil
}

// ApplyTransition writes a transition fenced on the record's current state and
// attempt count, together with the attempt row that caused it.
func (r *GormRegistrationRepo) ApplyTransition(ctx context.Context, t *domain.Transition, attempt *domain.SubmissionAttempt) error {
	if t == nil {
		return fmt.Errorf("%w: transition is required", domain.ErrValidation)
	}
	if !domain.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.From, t.To)
	}

	updates := map[string]any{
		"state":               t.To,
		"attempt_count":       t.AttemptCount,
		"authority_reference": t.AuthorityReference,
		"last_polled_at":      gorm.Expr("NULL"),
		"updated_at":          t.At,
	}
	if len(t.AuthorityResponse) > 0 {
		updates["authority_response"] = t.AuthorityResponse
	} else {
		updates["authority_response"] = gorm.Expr("NULL")
	}
	if t.LastError != nil {
		updates["last_error"] = *t.LastError
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RegistrationModel{}).
			Where("id = ? AND state = ? AND attempt_count = ?", t.RegistrationID, t.From, t.ExpectedAttemptCount).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: registration %s moved away from %s/%d", domain.ErrConcurrencyConflict, t.RegistrationID, t.From, t.ExpectedAttemptCount)
		}

		if attempt != nil {
			if err := tx.Create(attemptModelFromDomain(attempt)).Error; err != nil {
				return fmt.Errorf("failed to record attempt: %w", err)
			}
		}
		return nil
	})
}

func registrationsToDomain(models []RegistrationModel) []domain.Registration {
	out := make([]domain.Registration, 0, len(models))
	for i := range models {
		out = append(out, *registrationModelToDomain(&models[i]))
	}
	return out
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
