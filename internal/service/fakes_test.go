package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/gateway"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"github.com/kursadbilgin/tarjeta-registro/internal/queue"
	"github.com/shopspring/decimal"
)

// memRegistrations is an in-memory registration store with the same fencing
// and active-record uniqueness as the GORM repository.
type memRegistrations struct {
	mu       sync.Mutex
	records  map[string]domain.Registration
	attempts *memAttempts

	applyTransitionFn func(t *domain.Transition) error
	latestErr         error
}

func newMemRegistrations() *memRegistrations {
	return &memRegistrations{
		records:  make(map[string]domain.Registration),
		attempts: &memAttempts{},
	}
}

func (m *memRegistrations) Create(_ context.Context, r *domain.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.ReservationID == r.ReservationID && existing.State.IsActive() {
			return fmt.Errorf("%w: reservation %d already has an active registration", domain.ErrConcurrencyConflict, r.ReservationID)
		}
	}
	m.records[r.ID] = cloneRegistration(*r)
	return nil
}

func (m *memRegistrations) GetByID(_ context.Context, id string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneRegistration(r)
	return &out, nil
}

func (m *memRegistrations) GetLatestByReservation(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	all, _ := m.ListByReservation(ctx, reservationID)
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	return &all[0], nil
}

func (m *memRegistrations) ListByReservation(_ context.Context, reservationID int64) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Registration, 0)
	for _, r := range m.records {
		if r.ReservationID == reservationID {
			out = append(out, cloneRegistration(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRegistrations) ListPendingForRetry(_ context.Context, limit int) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Registration, 0)
	for _, r := range m.records {
		if r.State == domain.StatePending || r.State == domain.StateRetrying {
			out = append(out, cloneRegistration(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRegistrations) ListAwaitingConfirmation(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Registration, 0)
	for _, r := range m.records {
		if r.State != domain.StateSent || r.AuthorityReference == nil || *r.AuthorityReference == "" {
			continue
		}
		if !lastLooked(r).After(updatedBefore) {
			out = append(out, cloneRegistration(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lastLooked(out[i]).Before(lastLooked(out[j])) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRegistrations) MarkPolled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.State != domain.StateSent {
		return fmt.Errorf("%w: registration %s is no longer sent", domain.ErrConcurrencyConflict, id)
	}
	r.LastPolledAt = &at
	m.records[id] = r
	return nil
}

func lastLooked(r domain.Registration) time.Time {
	if r.LastPolledAt != nil {
		return *r.LastPolledAt
	}
	return r.UpdatedAt
}

func (m *memRegistrations) UpdatePendingPayload(_ context.Context, id string, p json.RawMessage, submissionDate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.State != domain.StatePending || r.AttemptCount != 0 {
		return fmt.Errorf("%w: registration %s is no longer pending", domain.ErrConcurrencyConflict, id)
	}
	r.Payload = p
	r.SubmissionDate = submissionDate
	m.records[id] = r
	return nil
}

func (m *memRegistrations) ApplyTransition(_ context.Context, t *domain.Transition, attempt *domain.SubmissionAttempt) error {
	if m.applyTransitionFn != nil {
		if err := m.applyTransitionFn(t); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[t.RegistrationID]
	if !ok || r.State != t.From || r.AttemptCount != t.ExpectedAttemptCount {
		return fmt.Errorf("%w: registration %s moved", domain.ErrConcurrencyConflict, t.RegistrationID)
	}
	r.Apply(t)
	m.records[r.ID] = r

	if attempt != nil {
		m.attempts.add(*attempt)
	}
	return nil
}

func (m *memRegistrations) get(id string) domain.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRegistration(m.records[id])
}

func (m *memRegistrations) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRegistrations) put(r domain.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = cloneRegistration(r)
}

func cloneRegistration(r domain.Registration) domain.Registration {
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.AuthorityResponse != nil {
		r.AuthorityResponse = append(json.RawMessage(nil), r.AuthorityResponse...)
	}
	return r
}

type memAttempts struct {
	mu   sync.Mutex
	rows []domain.SubmissionAttempt
}

func (m *memAttempts) add(a domain.SubmissionAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, a)
}

func (m *memAttempts) Create(_ context.Context, a *domain.SubmissionAttempt) error {
	m.add(*a)
	return nil
}

func (m *memAttempts) ListByRegistration(_ context.Context, registrationID string) ([]domain.SubmissionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SubmissionAttempt, 0)
	for _, a := range m.rows {
		if a.RegistrationID == registrationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttempts) all() []domain.SubmissionAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SubmissionAttempt(nil), m.rows...)
}

type fakeBuilder struct {
	buildFn func(ctx context.Context, reservationID int64) (*domain.Payload, *payload.Source, error)
}

func (f *fakeBuilder) Build(ctx context.Context, reservationID int64) (*domain.Payload, *payload.Source, error) {
	if f.buildFn != nil {
		return f.buildFn(ctx, reservationID)
	}
	return testPayload(), testSource(reservationID), nil
}

func testPayload() *domain.Payload {
	return &domain.Payload{
		IdentificationType:   "CC",
		IdentificationNumber: "1020304050",
		FirstNames:           "Ana",
		LastNames:            "Rojas",
		ResidenceCity:        "Medellin",
		OriginCity:           "Bogota",
		TravelPurpose:        "VACACIONES",
		AccommodationType:    "APARTAMENTO",
		RoomNumber:           "402",
		Companions:           1,
		Cost:                 decimal.RequireFromString("450000.50"),
		CheckIn:              "2026-03-14",
		CheckOut:             "2026-03-17",
		EstablishmentName:    "Casa Laureles",
		EstablishmentRNT:     "123456",
	}
}

func testSource(reservationID int64) *payload.Source {
	return &payload.Source{
		Reservation: &payload.Reservation{ID: reservationID, PropertyID: 10},
		Guest:       &payload.Guest{ID: 101, ReservationID: reservationID, IsPrincipal: true},
		Property:    &payload.Property{ID: 10},
	}
}

type fakeGateway struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int

	submitFn func(ctx context.Context, p *domain.Payload) (*gateway.Ack, error)
	statusFn func(ctx context.Context, reference string) (*gateway.StatusResult, error)
}

func (f *fakeGateway) Submit(ctx context.Context, p *domain.Payload) (*gateway.Ack, error) {
	f.mu.Lock()
	f.submitCalls++
	f.mu.Unlock()

	if f.submitFn != nil {
		return f.submitFn(ctx, p)
	}
	return acknowledged("TR-1"), nil
}

func (f *fakeGateway) Status(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()

	if f.statusFn != nil {
		return f.statusFn(ctx, reference)
	}
	return &gateway.StatusResult{StatusCode: 200, Body: json.RawMessage(`{"estado":"RECIBIDO"}`), Estado: gateway.EstadoRecibido}, nil
}

func (f *fakeGateway) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.statusCalls
}

func acknowledged(reference string) *gateway.Ack {
	return &gateway.Ack{
		StatusCode: 201,
		Body:       json.RawMessage(`{"codigo":"` + reference + `","estado":"RECIBIDO"}`),
		Reference:  reference,
		Estado:     gateway.EstadoRecibido,
	}
}

// fakeLocker hands out one lock per reservation and reports a conflict to
// everyone else, like redislock without retries.
type fakeLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[int64]bool)}
}

func (l *fakeLocker) Lock(_ context.Context, reservationID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[reservationID] {
		return nil, fmt.Errorf("%w: reservation %d is locked", domain.ErrConcurrencyConflict, reservationID)
	}
	l.held[reservationID] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, reservationID)
	}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []queue.TransitionEvent
	publishFn func(ctx context.Context, event queue.TransitionEvent) error
}

func (f *fakePublisher) PublishTransition(ctx context.Context, event queue.TransitionEvent) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, event); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []queue.TransitionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.TransitionEvent(nil), f.events...)
}

type fakeLimiter struct {
	mu     sync.Mutex
	waits  int
	waitFn func(ctx context.Context, scope string) error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeLimiter) Wait(ctx context.Context, scope string) error {
	f.mu.Lock()
	f.waits++
	f.mu.Unlock()

	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, handler queue.SubmissionHandler) error
}

func (f *fakeConsumer) ConsumeSubmissions(ctx context.Context, handler queue.SubmissionHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }
