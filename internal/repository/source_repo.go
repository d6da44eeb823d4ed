package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"gorm.io/gorm"
)

// GormSourceRepo reads reservations, guests and properties for the payload builder.
type GormSourceRepo struct {
	db *gorm.DB
}

var _ payload.SourceReader = (*GormSourceRepo)(nil)

func NewGormSourceRepo(db *gorm.DB) *GormSourceRepo {
	return &GormSourceRepo{db: db}
}

func (r *GormSourceRepo) GetReservation(ctx context.Context, reservationID int64) (*payload.Reservation, error) {
	var model ReservationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: reservation %d", domain.ErrNotFound, reservationID)
	}
	if err != nil {
		return nil, err
	}
	return reservationModelToSource(&model), nil
}

func (r *GormSourceRepo) ListGuests(ctx context.Context, reservationID int64) ([]payload.Guest, error) {
	var models []GuestModel
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	guests := make([]payload.Guest, 0, len(models))
	for i := range models {
		guests = append(guests, guestModelToSource(&models[i]))
	}
	return guests, nil
}

func (r *GormSourceRepo) GetProperty(ctx context.Context, propertyID int64) (*payload.Property, error) {
	var model PropertyModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: property %d", domain.ErrNotFound, propertyID)
	}
	if err != nil {
		return nil, err
	}
	return propertyModelToSource(&model), nil
}
