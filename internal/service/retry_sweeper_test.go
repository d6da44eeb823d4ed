package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"github.com/kursadbilgin/tarjeta-registro/internal/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRetrySubmitter struct {
	listFn   func(ctx context.Context, limit int) ([]domain.Registration, error)
	submitFn func(ctx context.Context, reservationID int64) (*domain.Registration, error)

	submitted []int64
}

func (f *fakeRetrySubmitter) ListPendingForRetry(ctx context.Context, limit int) ([]domain.Registration, error) {
	return f.listFn(ctx, limit)
}

func (f *fakeRetrySubmitter) Submit(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	f.submitted = append(f.submitted, reservationID)
	if f.submitFn != nil {
		return f.submitFn(ctx, reservationID)
	}
	return &domain.Registration{ReservationID: reservationID, State: domain.StateSent, AttemptCount: 1}, nil
}

func TestNewRetrySweeperValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRetrySweeper(nil, &fakeLimiter{}, 0, 0, 0, zap.NewNop()); err == nil {
		t.Fatal("expected error when registration service is nil")
	}
	if _, err := NewRetrySweeper(&fakeRetrySubmitter{}, nil, 0, 0, 0, zap.NewNop()); err == nil {
		t.Fatal("expected error when rate limiter is nil")
	}

	sweeper, err := NewRetrySweeper(&fakeRetrySubmitter{}, &fakeLimiter{}, 0, 0, -1, nil)
	if err != nil {
		t.Fatalf("NewRetrySweeper() error = %v", err)
	}
	if sweeper.interval != defaultSweepInterval || sweeper.limit != defaultSweepLimit || sweeper.throttle != defaultSweepThrottle {
		t.Fatalf("defaults = %s/%d/%s", sweeper.interval, sweeper.limit, sweeper.throttle)
	}
}

func TestRetrySweeperSweepSubmitsDueRecords(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeRetrySubmitter{
		listFn: func(ctx context.Context, limit int) ([]domain.Registration, error) {
			if limit != 10 {
				t.Fatalf("limit = %d, want 10", limit)
			}
			return []domain.Registration{
				{ID: "r-pending", ReservationID: 1, State: domain.StatePending, UpdatedAt: now},
				// Two attempts means a 2s backoff; updated 5s ago.
				{ID: "r-due", ReservationID: 2, State: domain.StateRetrying, AttemptCount: 2, UpdatedAt: now.Add(-5 * time.Second)},
				// Four attempts means an 8s backoff; updated 5s ago.
				{ID: "r-backoff", ReservationID: 3, State: domain.StateRetrying, AttemptCount: 4, UpdatedAt: now.Add(-5 * time.Second)},
			}, nil
		},
	}
	limiter := &fakeLimiter{
		waitFn: func(ctx context.Context, scope string) error {
			if scope != ratelimit.ScopeAuthority {
				t.Fatalf("scope = %q, want %q", scope, ratelimit.ScopeAuthority)
			}
			return nil
		},
	}

	sweeper, err := NewRetrySweeper(repo, limiter, time.Second, 10, 100*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetrySweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return now }
	sweeper.randIntn = func(n int) int { return 0 }
	var slept []time.Duration
	sweeper.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := sweeper.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	if len(repo.submitted) != 2 || repo.submitted[0] != 1 || repo.submitted[1] != 2 {
		t.Fatalf("submitted = %v, want [1 2]", repo.submitted)
	}
	if limiter.waits != 2 {
		t.Fatalf("limiter waits = %d, want 2", limiter.waits)
	}
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Fatalf("throttle sleeps = %v, want one 100ms sleep between submissions", slept)
	}
}

func TestRetrySweeperContinuesAfterFailures(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	repo := &fakeRetrySubmitter{
		listFn: func(ctx context.Context, limit int) ([]domain.Registration, error) {
			return []domain.Registration{
				{ID: "a", ReservationID: 1, State: domain.StatePending},
				{ID: "b", ReservationID: 2, State: domain.StatePending},
				{ID: "c", ReservationID: 3, State: domain.StatePending},
			}, nil
		},
		submitFn: func(ctx context.Context, reservationID int64) (*domain.Registration, error) {
			switch reservationID {
			case 1:
				return nil, fmt.Errorf("%w: reservation 1 is locked", domain.ErrConcurrencyConflict)
			case 2:
				return nil, errors.New("database unavailable")
			}
			return &domain.Registration{ReservationID: reservationID, State: domain.StateSent, AttemptCount: 1}, nil
		},
	}

	sweeper, err := NewRetrySweeper(repo, &fakeLimiter{}, time.Second, 10, 0, zap.New(core))
	if err != nil {
		t.Fatalf("NewRetrySweeper() error = %v", err)
	}

	if err := sweeper.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if len(repo.submitted) != 3 {
		t.Fatalf("submitted = %v, want all three", repo.submitted)
	}
	if got := recorded.FilterMessage("retry sweep submission failed").Len(); got != 1 {
		t.Fatalf("failure logs = %d, want 1", got)
	}
	if got := recorded.FilterMessage("registration busy, skipped by retry sweep").Len(); got != 1 {
		t.Fatalf("conflict logs = %d, want 1", got)
	}
}

func TestRetrySweeperListError(t *testing.T) {
	t.Parallel()

	repo := &fakeRetrySubmitter{
		listFn: func(ctx context.Context, limit int) ([]domain.Registration, error) {
			return nil, errors.New("db down")
		},
	}
	sweeper, _ := NewRetrySweeper(repo, &fakeLimiter{}, time.Second, 10, 0, zap.NewNop())

	if err := sweeper.sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

func TestRetrySweeperStopsOnLimiterError(t *testing.T) {
	t.Parallel()

	repo := &fakeRetrySubmitter{
		listFn: func(ctx context.Context, limit int) ([]domain.Registration, error) {
			return []domain.Registration{{ID: "a", ReservationID: 1, State: domain.StatePending}}, nil
		},
	}
	limiter := &fakeLimiter{waitFn: func(ctx context.Context, scope string) error {
		return errors.New("redis down")
	}}
	sweeper, _ := NewRetrySweeper(repo, limiter, time.Second, 10, 0, zap.NewNop())

	if err := sweeper.sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error when the limiter fails")
	}
	if len(repo.submitted) != 0 {
		t.Fatalf("submitted = %v, want none", repo.submitted)
	}
}

func TestRetrySweeperUnbuildablePendingDoesNotStallSweep(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 5)
	f.builder.buildFn = func(ctx context.Context, reservationID int64) (*domain.Payload, *payload.Source, error) {
		return nil, nil, fmt.Errorf("%w: reservation %d has no principal guest", domain.ErrSourceDataIncomplete, reservationID)
	}

	stored, err := json.Marshal(testPayload())
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f.repo.put(domain.Registration{
		ID:             "0b6c2f0e-6a55-4d8c-9b8e-5d7f3f1a0001",
		ReservationID:  31,
		GuestID:        101,
		PropertyID:     10,
		State:          domain.StatePending,
		SubmissionDate: "2026-03-14",
		Payload:        stored,
		CreatedAt:      created,
		UpdatedAt:      created,
	})
	f.repo.put(domain.Registration{
		ID:             "0b6c2f0e-6a55-4d8c-9b8e-5d7f3f1a0002",
		ReservationID:  32,
		GuestID:        101,
		PropertyID:     10,
		State:          domain.StateRetrying,
		SubmissionDate: "2026-03-14",
		AttemptCount:   1,
		Payload:        stored,
		CreatedAt:      created.Add(time.Minute),
		UpdatedAt:      created.Add(time.Minute),
	})

	sweeper, err := NewRetrySweeper(f.svc, &fakeLimiter{}, time.Hour, 1, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetrySweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return created.Add(time.Hour) }

	for i := 0; i < 3; i++ {
		if err := sweeper.sweep(context.Background()); err != nil {
			t.Fatalf("sweep %d error = %v", i+1, err)
		}
	}

	if submits, _ := f.gateway.calls(); submits != 2 {
		t.Fatalf("gateway submits = %d, want 2", submits)
	}
	for _, id := range []string{"0b6c2f0e-6a55-4d8c-9b8e-5d7f3f1a0001", "0b6c2f0e-6a55-4d8c-9b8e-5d7f3f1a0002"} {
		if got := f.repo.get(id); got.State != domain.StateSent {
			t.Fatalf("registration %s = %s/%d, want sent", id, got.State, got.AttemptCount)
		}
	}
	if got := f.repo.get("0b6c2f0e-6a55-4d8c-9b8e-5d7f3f1a0002"); got.AttemptCount != 2 {
		t.Fatalf("retrying record attempts = %d, want 2", got.AttemptCount)
	}
}

func TestRetrySweeperStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	scanned := make(chan struct{}, 1)
	repo := &fakeRetrySubmitter{
		listFn: func(ctx context.Context, limit int) ([]domain.Registration, error) {
			select {
			case scanned <- struct{}{}:
			default:
			}
			return nil, nil
		},
	}
	sweeper, _ := NewRetrySweeper(repo, &fakeLimiter{}, time.Hour, 10, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()

	<-scanned
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestComputeRetryDelay(t *testing.T) {
	t.Parallel()

	sweeper := &RetrySweeper{randIntn: func(n int) int { return n - 1 }}

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second + 250*time.Millisecond},
		{attempt: 1, want: time.Second + 250*time.Millisecond},
		{attempt: 3, want: 4*time.Second + 250*time.Millisecond},
		{attempt: 20, want: maxRetryDelay + 250*time.Millisecond},
	}

	for _, tc := range testCases {
		if got := sweeper.computeRetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("computeRetryDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
