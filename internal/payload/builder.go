package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/shopspring/decimal"
)

// Reservation is the subset of a reservation the check-in card needs.
type Reservation struct {
	ID            int64
	PropertyID    int64
	CheckIn       time.Time
	CheckOut      time.Time
	Total         decimal.Decimal
	TravelPurpose string
}

// Guest is one occupant of a reservation.
type Guest struct {
	ID                   int64
	ReservationID        int64
	IdentificationType   string
	IdentificationNumber string
	FirstNames           string
	LastNames            string
	ResidenceCity        string
	OriginCity           string
	IsPrincipal          bool
}

// Property is the establishment the guest checks into.
type Property struct {
	ID                int64
	Name              string
	RNT               string
	AccommodationType string
	Unit              string
}

// SourceReader reads the collaborator data a payload is assembled from.
// Implementations return an error wrapping domain.ErrNotFound for missing rows.
type SourceReader interface {
	GetReservation(ctx context.Context, reservationID int64) (*Reservation, error)
	ListGuests(ctx context.Context, reservationID int64) ([]Guest, error)
	GetProperty(ctx context.Context, propertyID int64) (*Property, error)
}

// Source is the resolved input of one payload build.
type Source struct {
	Reservation *Reservation
	Guest       *Guest
	Property    *Property
}

type Builder struct {
	reader SourceReader
}

func NewBuilder(reader SourceReader) (*Builder, error) {
	if reader == nil {
		return nil, errors.New("source reader is required")
	}
	return &Builder{reader: reader}, nil
}

// Build assembles and validates the check-in card for a reservation. It never writes.
func (b *Builder) Build(ctx context.Context, reservationID int64) (*domain.Payload, *Source, error) {
	if reservationID <= 0 {
		return nil, nil, fmt.Errorf("%w: reservation id must be positive", domain.ErrValidation)
	}

	src, err := b.resolve(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}

	res, guest, prop := src.Reservation, src.Guest, src.Property
	p := &domain.Payload{
		IdentificationType:   normalizeCode(guest.IdentificationType),
		IdentificationNumber: strings.TrimSpace(guest.IdentificationNumber),
		FirstNames:           strings.TrimSpace(guest.FirstNames),
		LastNames:            strings.TrimSpace(guest.LastNames),
		ResidenceCity:        strings.TrimSpace(guest.ResidenceCity),
		OriginCity:           firstNonEmpty(guest.OriginCity, guest.ResidenceCity),
		TravelPurpose:        normalizeCode(res.TravelPurpose),
		AccommodationType:    normalizeCode(prop.AccommodationType),
		RoomNumber:           firstNonEmpty(prop.Unit, prop.Name),
		Companions:           src.companions,
		Cost:                 res.Total,
		CheckIn:              FormatDate(res.CheckIn),
		CheckOut:             FormatDate(res.CheckOut),
		EstablishmentName:    strings.TrimSpace(prop.Name),
		EstablishmentRNT:     strings.TrimSpace(prop.RNT),
	}

	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	return p, &src.Source, nil
}

type resolvedSource struct {
	Source
	companions int
}

func (b *Builder) resolve(ctx context.Context, reservationID int64) (*resolvedSource, error) {
	res, err := b.reader.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, missingAs(err, "reservation %d not found", reservationID)
	}

	prop, err := b.reader.GetProperty(ctx, res.PropertyID)
	if err != nil {
		return nil, missingAs(err, "property %d of reservation %d not found", res.PropertyID, reservationID)
	}

	guests, err := b.reader.ListGuests(ctx, reservationID)
	if err != nil {
		return nil, missingAs(err, "guests of reservation %d not found", reservationID)
	}

	var principal *Guest
	for i := range guests {
		if guests[i].IsPrincipal {
			principal = &guests[i]
			break
		}
	}
	if principal == nil {
		return nil, fmt.Errorf("%w: reservation %d has no principal guest", domain.ErrSourceDataIncomplete, reservationID)
	}

	return &resolvedSource{
		Source:     Source{Reservation: res, Guest: principal, Property: prop},
		companions: len(guests) - 1,
	}, nil
}

// FormatDate reduces a calendar date or a full timestamp to YYYY-MM-DD in the
// value's own location.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}

func missingAs(err error, format string, args ...any) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrSourceDataIncomplete, fmt.Sprintf(format, args...))
	}
	return err
}

var accentReplacer = strings.NewReplacer(
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U", "Ñ", "N",
	" ", "_",
)

func normalizeCode(s string) string {
	return accentReplacer.Replace(strings.ToUpper(strings.TrimSpace(s)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
