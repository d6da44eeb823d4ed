package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/observability"
	"github.com/kursadbilgin/tarjeta-registro/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepLimit    = 50
	defaultSweepThrottle = 250 * time.Millisecond

	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250
)

// Sweep results, used as the sweep_submissions_total label.
const (
	sweepResultSubmitted = "submitted"
	sweepResultBackoff   = "backoff"
	sweepResultConflict  = "conflict"
	sweepResultError     = "error"
)

// RetrySubmitter is the part of RegistrationService the retry sweep drives.
type RetrySubmitter interface {
	ListPendingForRetry(ctx context.Context, limit int) ([]domain.Registration, error)
	Submit(ctx context.Context, reservationID int64) (*domain.Registration, error)
}

// RetrySweeper periodically submits pending and retrying records whose
// backoff has elapsed.
type RetrySweeper struct {
	registrations RetrySubmitter
	limiter       ratelimit.Limiter
	logger        *zap.Logger
	metrics       *observability.Metrics
	interval      time.Duration
	limit         int
	throttle      time.Duration
	now           func() time.Time
	randIntn      func(n int) int
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRetrySweeper(
	registrations RetrySubmitter,
	limiter ratelimit.Limiter,
	interval time.Duration,
	limit int,
	throttle time.Duration,
	logger *zap.Logger,
) (*RetrySweeper, error) {
	if registrations == nil {
		return nil, fmt.Errorf("registration service is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if throttle < 0 {
		throttle = defaultSweepThrottle
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetrySweeper{
		registrations: registrations,
		limiter:       limiter,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		throttle:      throttle,
		now:           time.Now,
		randIntn:      rand.Intn,
		sleep:         sleepContext,
	}, nil
}

func (s *RetrySweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetrySweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so records left over from a restart do not wait for the first tick.
	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry sweep initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *RetrySweeper) sweep(ctx context.Context) error {
	due, err := s.registrations.ListPendingForRetry(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to list registrations for retry: %w", err)
	}

	submitted := 0
	for i := range due {
		reg := due[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !s.isDue(reg) {
			s.metrics.IncSweepSubmission(sweepResultBackoff)
			continue
		}

		if submitted > 0 && s.throttle > 0 {
			if err := s.sleep(ctx, s.throttle); err != nil {
				return err
			}
		}
		if err := s.limiter.Wait(ctx, ratelimit.ScopeAuthority); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}

		itemCtx, correlationID := observability.EnsureCorrelationID(ctx)
		updated, err := s.registrations.Submit(itemCtx, reg.ReservationID)
		submitted++

		logger := s.logger.With(
			zap.String("registrationId", reg.ID),
			zap.Int64("reservationId", reg.ReservationID),
			zap.String("correlationId", correlationID),
		)
		switch {
		case errors.Is(err, domain.ErrConcurrencyConflict):
			s.metrics.IncSweepSubmission(sweepResultConflict)
			logger.Info("registration busy, skipped by retry sweep")
		case err != nil:
			s.metrics.IncSweepSubmission(sweepResultError)
			logger.Error("retry sweep submission failed", zap.Error(err))
		default:
			s.metrics.IncSweepSubmission(sweepResultSubmitted)
			logger.Debug("retry sweep submitted registration",
				zap.String("state", updated.State.String()),
				zap.Int("attemptCount", updated.AttemptCount),
			)
		}
	}

	return nil
}

// isDue reports whether a record's backoff since its last transition has
// elapsed. Records never sent are always due.
func (s *RetrySweeper) isDue(reg domain.Registration) bool {
	if reg.State == domain.StatePending || reg.AttemptCount == 0 {
		return true
	}
	return !s.now().Before(reg.UpdatedAt.Add(s.computeRetryDelay(reg.AttemptCount)))
}

func (s *RetrySweeper) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if s.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = s.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
