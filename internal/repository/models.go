package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"github.com/shopspring/decimal"
)

// RegistrationModel is the persistence model for the registration_records table.
type RegistrationModel struct {
	ID                 string          `gorm:"type:uuid;primaryKey"`
	ReservationID      int64           `gorm:"not null"`
	GuestID            int64           `gorm:"not null"`
	PropertyID         int64           `gorm:"not null"`
	State              domain.State    `gorm:"type:varchar(20);not null"`
	SubmissionDate     string          `gorm:"type:varchar(10);not null"`
	AttemptCount       int             `gorm:"not null;default:0"`
	LastError          *string         `gorm:"type:text"`
	Payload            json.RawMessage `gorm:"type:jsonb;not null"`
	AuthorityResponse  json.RawMessage `gorm:"type:jsonb"`
	AuthorityReference *string         `gorm:"type:varchar(64)"`
	LastPolledAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (RegistrationModel) TableName() string {
	return "registration_records"
}

// AttemptModel is the persistence model for registration_attempts.
type AttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	RegistrationID string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	Operation      string  `gorm:"type:varchar(10);not null"`
	StatusCode     *int    `gorm:"type:int"`
	ResponseBody   *string `gorm:"type:text"`
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (AttemptModel) TableName() string {
	return "registration_attempts"
}

// The source tables below are owned by the reservation system and only read here.

type ReservationModel struct {
	ID            int64           `gorm:"primaryKey"`
	PropertyID    int64           `gorm:"not null"`
	CheckIn       time.Time       `gorm:"not null"`
	CheckOut      time.Time       `gorm:"not null"`
	Total         decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	TravelPurpose string          `gorm:"type:varchar(30)"`
}

func (ReservationModel) TableName() string {
	return "reservations"
}

type GuestModel struct {
	ID                   int64  `gorm:"primaryKey"`
	ReservationID        int64  `gorm:"not null;index"`
	IdentificationType   string `gorm:"type:varchar(10)"`
	IdentificationNumber string `gorm:"type:varchar(30)"`
	FirstNames           string `gorm:"type:varchar(100)"`
	LastNames            string `gorm:"type:varchar(100)"`
	ResidenceCity        string `gorm:"type:varchar(100)"`
	OriginCity           string `gorm:"type:varchar(100)"`
	IsPrincipal          bool   `gorm:"not null;default:false"`
}

func (GuestModel) TableName() string {
	return "guests"
}

type PropertyModel struct {
	ID                int64  `gorm:"primaryKey"`
	Name              string `gorm:"type:varchar(150)"`
	RNT               string `gorm:"column:rnt;type:varchar(20)"`
	AccommodationType string `gorm:"type:varchar(30)"`
	Unit              string `gorm:"type:varchar(30)"`
}

func (PropertyModel) TableName() string {
	return "properties"
}

func registrationModelFromDomain(r *domain.Registration) *RegistrationModel {
	if r == nil {
		return nil
	}

	return &RegistrationModel{
		ID:                 r.ID,
		ReservationID:      r.ReservationID,
		GuestID:            r.GuestID,
		PropertyID:         r.PropertyID,
		State:              r.State,
		SubmissionDate:     r.SubmissionDate,
		AttemptCount:       r.AttemptCount,
		LastError:          r.LastError,
		Payload:            r.Payload,
		AuthorityResponse:  r.AuthorityResponse,
		AuthorityReference: r.AuthorityReference,
		LastPolledAt:       r.LastPolledAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func registrationModelToDomain(m *RegistrationModel) *domain.Registration {
	if m == nil {
		return nil
	}

	return &domain.Registration{
		ID:                 m.ID,
		ReservationID:      m.ReservationID,
		GuestID:            m.GuestID,
		PropertyID:         m.PropertyID,
		State:              m.State,
		SubmissionDate:     m.SubmissionDate,
		AttemptCount:       m.AttemptCount,
		LastError:          m.LastError,
		Payload:            m.Payload,
		AuthorityResponse:  m.AuthorityResponse,
		AuthorityReference: m.AuthorityReference,
		LastPolledAt:       m.LastPolledAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.SubmissionAttempt) *AttemptModel {
	if a == nil {
		return nil
	}

	return &AttemptModel{
		ID:             a.ID,
		RegistrationID: a.RegistrationID,
		AttemptNumber:  a.AttemptNumber,
		Operation:      a.Operation,
		StatusCode:     a.StatusCode,
		ResponseBody:   a.ResponseBody,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *AttemptModel) *domain.SubmissionAttempt {
	if m == nil {
		return nil
	}

	return &domain.SubmissionAttempt{
		ID:             m.ID,
		RegistrationID: m.RegistrationID,
		AttemptNumber:  m.AttemptNumber,
		Operation:      m.Operation,
		StatusCode:     m.StatusCode,
		ResponseBody:   m.ResponseBody,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

func reservationModelToSource(m *ReservationModel) *payload.Reservation {
	return &payload.Reservation{
		ID:            m.ID,
		PropertyID:    m.PropertyID,
		CheckIn:       m.CheckIn,
		CheckOut:      m.CheckOut,
		Total:         m.Total,
		TravelPurpose: m.TravelPurpose,
	}
}

func guestModelToSource(m *GuestModel) payload.Guest {
	return payload.Guest{
		ID:                   m.ID,
		ReservationID:        m.ReservationID,
		IdentificationType:   m.IdentificationType,
		IdentificationNumber: m.IdentificationNumber,
		FirstNames:           m.FirstNames,
		LastNames:            m.LastNames,
		ResidenceCity:        m.ResidenceCity,
		OriginCity:           m.OriginCity,
		IsPrincipal:          m.IsPrincipal,
	}
}

func propertyModelToSource(m *PropertyModel) *payload.Property {
	return &payload.Property{
		ID:                m.ID,
		Name:              m.Name,
		RNT:               m.RNT,
		AccommodationType: m.AccommodationType,
		Unit:              m.Unit,
	}
}
