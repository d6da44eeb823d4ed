package payload

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeSourceReader struct {
	reservations map[int64]*Reservation
	guests       map[int64][]Guest
	properties   map[int64]*Property
	guestsErr    error
}

func (f *fakeSourceReader) GetReservation(_ context.Context, id int64) (*Reservation, error) {
	r, ok := f.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %d", domain.ErrNotFound, id)
	}
	return r, nil
}

func (f *fakeSourceReader) ListGuests(_ context.Context, reservationID int64) ([]Guest, error) {
	if f.guestsErr != nil {
		return nil, f.guestsErr
	}
	return f.guests[reservationID], nil
}

func (f *fakeSourceReader) GetProperty(_ context.Context, id int64) (*Property, error) {
	p, ok := f.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: property %d", domain.ErrNotFound, id)
	}
	return p, nil
}

func newFixture() *fakeSourceReader {
	bogota := time.FixedZone("COT", -5*3600)
	return &fakeSourceReader{
		reservations: map[int64]*Reservation{
			1: {
				ID:            1,
				PropertyID:    10,
				CheckIn:       time.Date(2026, 3, 14, 15, 30, 0, 0, bogota),
				CheckOut:      time.Date(2026, 3, 17, 0, 0, 0, 0, bogota),
				Total:         decimal.RequireFromString("450000.50"),
				TravelPurpose: "vacaciones",
			},
		},
		guests: map[int64][]Guest{
			1: {
				{ID: 100, ReservationID: 1, IdentificationType: "pa", IdentificationNumber: "X1234", FirstNames: "Jane", LastNames: "Doe", ResidenceCity: "Quito"},
				{ID: 101, ReservationID: 1, IdentificationType: "cc", IdentificationNumber: " 1020304050 ", FirstNames: "Ana", LastNames: "Rojas", ResidenceCity: "Medellin", OriginCity: "Bogota", IsPrincipal: true},
			},
		},
		properties: map[int64]*Property{
			10: {ID: 10, Name: "Casa Laureles", RNT: "123456", AccommodationType: "Cabaña", Unit: "402"},
		},
	}
}

func TestBuilderBuild(t *testing.T) {
	t.Parallel()

	b, err := NewBuilder(newFixture())
	if err != nil {
		t.Fatalf("NewBuilder() unexpected error = %v", err)
	}

	p, src, err := b.Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("Build() unexpected error = %v", err)
	}

	if src.Guest.ID != 101 || src.Property.ID != 10 || src.Reservation.ID != 1 {
		t.Fatalf("Build() source = (%d, %d, %d), want principal guest 101 / property 10 / reservation 1", src.Guest.ID, src.Property.ID, src.Reservation.ID)
	}
	if p.CheckIn != "2026-03-14" || p.CheckOut != "2026-03-17" {
		t.Fatalf("Build() dates = %s..%s, want 2026-03-14..2026-03-17", p.CheckIn, p.CheckOut)
	}
	if p.IdentificationType != "CC" || p.IdentificationNumber != "1020304050" {
		t.Fatalf("Build() identification = %s %q", p.IdentificationType, p.IdentificationNumber)
	}
	if p.TravelPurpose != "VACACIONES" || p.AccommodationType != "CABANA" {
		t.Fatalf("Build() enums = %s / %s, want VACACIONES / CABANA", p.TravelPurpose, p.AccommodationType)
	}
	if p.Companions != 1 {
		t.Fatalf("Build() companions = %d, want 1", p.Companions)
	}
	if !p.Cost.Equal(decimal.RequireFromString("450000.5")) {
		t.Fatalf("Build() cost = %s, want 450000.5", p.Cost)
	}
	if p.RoomNumber != "402" || p.EstablishmentRNT != "123456" {
		t.Fatalf("Build() property fields = %q / %q", p.RoomNumber, p.EstablishmentRNT)
	}
}

func TestBuilderSourceDataIncomplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(f *fakeSourceReader)
		resID   int64
		wantErr error
	}{
		{name: "missing reservation", mutate: func(f *fakeSourceReader) {}, resID: 2, wantErr: domain.ErrSourceDataIncomplete},
		{name: "missing property", mutate: func(f *fakeSourceReader) { delete(f.properties, 10) }, resID: 1, wantErr: domain.ErrSourceDataIncomplete},
		{name: "no principal guest", mutate: func(f *fakeSourceReader) { f.guests[1][1].IsPrincipal = false }, resID: 1, wantErr: domain.ErrSourceDataIncomplete},
		{name: "no guests at all", mutate: func(f *fakeSourceReader) { delete(f.guests, 1) }, resID: 1, wantErr: domain.ErrSourceDataIncomplete},
		{name: "invalid id", mutate: func(f *fakeSourceReader) {}, resID: 0, wantErr: domain.ErrValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			tt.mutate(f)
			b, _ := NewBuilder(f)

			p, src, err := b.Build(context.Background(), tt.resID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
			if p != nil || src != nil {
				t.Fatal("Build() returned a payload alongside an error")
			}
		})
	}
}

func TestBuilderPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.guestsErr = errors.New("connection reset")
	b, _ := NewBuilder(f)

	_, _, err := b.Build(context.Background(), 1)
	if err == nil || errors.Is(err, domain.ErrSourceDataIncomplete) {
		t.Fatalf("Build() error = %v, want the raw store error", err)
	}
}

func TestBuilderPayloadValidation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.reservations[1].TravelPurpose = "playa"
	f.reservations[1].Total = decimal.NewFromInt(-10)
	b, _ := NewBuilder(f)

	_, _, err := b.Build(context.Background(), 1)
	if !errors.Is(err, domain.ErrPayloadValidation) {
		t.Fatalf("Build() error = %v, want ErrPayloadValidation", err)
	}
}

func TestFormatDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{name: "calendar date", in: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), want: "2026-01-02"},
		{name: "timestamp with time of day", in: time.Date(2026, 1, 2, 23, 59, 59, 999, time.UTC), want: "2026-01-02"},
		{name: "keeps own location", in: time.Date(2026, 1, 2, 22, 0, 0, 0, time.FixedZone("COT", -5*3600)), want: "2026-01-02"},
		{name: "zero", in: time.Time{}, want: ""},
	}

	for _, tt := range tests {
		if got := FormatDate(tt.in); got != tt.want {
			t.Fatalf("%s: FormatDate() = %s, want %s", tt.name, got, tt.want)
		}
	}
}
