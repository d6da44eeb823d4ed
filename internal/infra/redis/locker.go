package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix         = "lock:tarjeta-registro"
	lockReleaseTimeout    = 2 * time.Second
	defaultReservationTTL = 10 * time.Second
)

// ReservationLocker serializes submissions for one reservation across replicas.
type ReservationLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewReservationLocker(client goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*ReservationLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReservationLocker{
		locker: redislock.New(client),
		ttl:    ttl,
		logger: logger,
	}, nil
}

func lockKey(reservationID int64) string {
	return fmt.Sprintf("%s:%d", lockKeyPrefix, reservationID)
}

// Lock obtains the reservation lock without waiting. A lock held elsewhere is
// reported as domain.ErrConcurrencyConflict.
func (l *ReservationLocker) Lock(ctx context.Context, reservationID int64) (func(), error) {
	lock, err := l.locker.Obtain(ctx, lockKey(reservationID), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: reservation %d is being submitted by another caller", domain.ErrConcurrencyConflict, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain reservation lock: %w", err)
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()

		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("failed to release reservation lock",
				zap.Int64("reservationId", reservationID),
				zap.Error(err),
			)
		}
	}

	return release, nil
}
