package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit: closed -> open -> half-open -> closed.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

const (
	breakerKeyPrefix        = "cb:tarjeta-registro"
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// CircuitBreaker keeps one circuit per scope in a Redis hash so every replica
// sees the same view of the authority's health.
//
// Closed counts consecutive failures. Open rejects calls until the cooldown
// elapses, then half-open lets a single trial call through; a success closes
// the circuit and a failure re-opens it.
type CircuitBreaker struct {
	client           goredis.UniversalClient
	logger           *zap.Logger
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

func NewCircuitBreaker(client goredis.UniversalClient, failureThreshold int, cooldown time.Duration, logger *zap.Logger) (*CircuitBreaker, error) {
	return newCircuitBreaker(client, failureThreshold, cooldown, logger, time.Now)
}

func newCircuitBreaker(
	client goredis.UniversalClient,
	failureThreshold int,
	cooldown time.Duration,
	logger *zap.Logger,
	nowFn func() time.Time,
) (*CircuitBreaker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &CircuitBreaker{
		client:           client,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              nowFn,
	}, nil
}

func breakerKey(scope string) string {
	return fmt.Sprintf("%s:%s", breakerKeyPrefix, scope)
}

// breakerAllowScript decides a call atomically. Open moves to half-open once the
// cooldown has elapsed and hands the trial call to the caller that made the
// move. Half-open admits a single trial per cooldown window until a result is
// recorded. Returns 0 to reject, 1 to allow, 2 when the circuit turned half-open.
var breakerAllowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call("HGET", key, "state")
if state == "open" then
  local last = tonumber(redis.call("HGET", key, "last_failed_at") or "0")
  if now - last < cooldown then
    return 0
  end
  redis.call("HSET", key, "state", "half-open", "trial_at", now)
  return 2
end

if state == "half-open" then
  local trial = tonumber(redis.call("HGET", key, "trial_at") or "0")
  if now - trial < cooldown then
    return 0
  end
  redis.call("HSET", key, "trial_at", now)
  return 1
end

return 1
`)

// Allow reports whether a call for scope may proceed. While half-open only
// one caller across all replicas gets through; a trial that never records a
// result is handed to another caller after the cooldown. Redis errors fail open.
func (cb *CircuitBreaker) Allow(ctx context.Context, scope string) bool {
	result, err := breakerAllowScript.Run(ctx, cb.client, []string{breakerKey(scope)},
		cb.now().Unix(), int64(cb.cooldown.Seconds()),
	).Int()
	if err != nil {
		cb.logger.Warn("circuit breaker state unavailable, allowing call", zap.String("scope", scope), zap.Error(err))
		return true
	}

	if result == 2 {
		cb.logger.Info("circuit breaker half-open", zap.String("scope", scope))
	}
	return result > 0
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, scope string) {
	key := breakerKey(scope)

	prev, _ := cb.client.HGet(ctx, key, "state").Result()
	if err := cb.client.HSet(ctx, key, "state", string(BreakerClosed), "failures", 0).Err(); err != nil {
		cb.logger.Warn("failed to record circuit breaker success", zap.String("scope", scope), zap.Error(err))
		return
	}
	cb.client.HDel(ctx, key, "trial_at")

	if BreakerState(prev) == BreakerHalfOpen {
		cb.logger.Info("circuit breaker closed", zap.String("scope", scope))
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold, or
// immediately when the failing call was the half-open trial.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, scope string) {
	key := breakerKey(scope)

	failures, err := cb.client.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Warn("failed to record circuit breaker failure", zap.String("scope", scope), zap.Error(err))
		return
	}
	cb.client.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.client.HGet(ctx, key, "state").Result()
	switch {
	case BreakerState(state) == BreakerHalfOpen:
		cb.client.HSet(ctx, key, "state", string(BreakerOpen))
		cb.client.HDel(ctx, key, "trial_at")
		cb.logger.Warn("circuit breaker re-opened", zap.String("scope", scope))
	case failures >= int64(cb.failureThreshold) && BreakerState(state) != BreakerOpen:
		cb.client.HSet(ctx, key, "state", string(BreakerOpen))
		cb.logger.Warn("circuit breaker opened",
			zap.String("scope", scope),
			zap.Int64("failures", failures),
			zap.Int("threshold", cb.failureThreshold),
		)
	case state == "":
		cb.client.HSet(ctx, key, "state", string(BreakerClosed))
	}
}

// State returns the current state of scope's circuit without changing it.
func (cb *CircuitBreaker) State(ctx context.Context, scope string) (BreakerState, int) {
	data, err := cb.client.HGetAll(ctx, breakerKey(scope)).Result()
	if err != nil || len(data) == 0 {
		return BreakerClosed, 0
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := BreakerState(data["state"])
	if state == "" {
		state = BreakerClosed
	}
	if state == BreakerOpen {
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if cb.now().Unix()-lastFailedAt >= int64(cb.cooldown.Seconds()) {
			state = BreakerHalfOpen
		}
	}

	return state, failures
}
