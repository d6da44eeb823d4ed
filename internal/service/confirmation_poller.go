package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/observability"
	"github.com/kursadbilgin/tarjeta-registro/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Minute
	defaultPollMinAge   = 30 * time.Second
	defaultPollLimit    = 50
)

// StatusRefresher is the part of RegistrationService the confirmation poller drives.
type StatusRefresher interface {
	ListAwaitingConfirmation(ctx context.Context, minAge time.Duration, limit int) ([]domain.Registration, error)
	RefreshStatus(ctx context.Context, registrationID string) (*domain.Registration, error)
}

// ConfirmationPoller periodically asks the authority whether sent records
// were accepted.
type ConfirmationPoller struct {
	registrations StatusRefresher
	limiter       ratelimit.Limiter
	logger        *zap.Logger
	interval      time.Duration
	minAge        time.Duration
	limit         int
	throttle      time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewConfirmationPoller(
	registrations StatusRefresher,
	limiter ratelimit.Limiter,
	interval time.Duration,
	minAge time.Duration,
	limit int,
	throttle time.Duration,
	logger *zap.Logger,
) (*ConfirmationPoller, error) {
	if registrations == nil {
		return nil, fmt.Errorf("registration service is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if minAge < 0 {
		minAge = defaultPollMinAge
	}
	if limit <= 0 {
		limit = defaultPollLimit
	}
	if throttle < 0 {
		throttle = defaultSweepThrottle
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConfirmationPoller{
		registrations: registrations,
		limiter:       limiter,
		logger:        logger,
		interval:      interval,
		minAge:        minAge,
		limit:         limit,
		throttle:      throttle,
		sleep:         sleepContext,
	}, nil
}

func (p *ConfirmationPoller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.poll(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("confirmation poll initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("confirmation poll failed", zap.Error(err))
			}
		}
	}
}

func (p *ConfirmationPoller) poll(ctx context.Context) error {
	awaiting, err := p.registrations.ListAwaitingConfirmation(ctx, p.minAge, p.limit)
	if err != nil {
		return fmt.Errorf("failed to list registrations awaiting confirmation: %w", err)
	}

	for i := range awaiting {
		reg := awaiting[i]

		if i > 0 && p.throttle > 0 {
			if err := p.sleep(ctx, p.throttle); err != nil {
				return err
			}
		}
		if err := p.limiter.Wait(ctx, ratelimit.ScopeAuthority); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}

		itemCtx, _ := observability.EnsureCorrelationID(ctx)
		updated, err := p.registrations.RefreshStatus(itemCtx, reg.ID)
		if err != nil {
			level := p.logger.Error
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				level = p.logger.Info
			}
			level("confirmation poll of registration failed",
				zap.String("registrationId", reg.ID),
				zap.Int64("reservationId", reg.ReservationID),
				zap.Error(err),
			)
			continue
		}

		if updated.State != reg.State {
			p.logger.Info("confirmation poll moved registration",
				zap.String("registrationId", reg.ID),
				zap.String("from", reg.State.String()),
				zap.String("to", updated.State.String()),
			)
		}
	}

	return nil
}
