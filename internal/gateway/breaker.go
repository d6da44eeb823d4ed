package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"go.uber.org/zap"
)

// Breaker is the shared circuit the authority calls are guarded by.
type Breaker interface {
	Allow(ctx context.Context, scope string) bool
	RecordSuccess(ctx context.Context, scope string)
	RecordFailure(ctx context.Context, scope string)
}

// BreakerMetrics is notified when a call is short-circuited.
type BreakerMetrics interface {
	IncBreakerShortCircuit()
}

// BreakerGateway short-circuits calls while the authority is failing. Only
// retryable failures count against the circuit; a rejection is a healthy answer.
type BreakerGateway struct {
	next    Gateway
	breaker Breaker
	scope   string
	metrics BreakerMetrics
	logger  *zap.Logger
}

var _ Gateway = (*BreakerGateway)(nil)

func NewBreakerGateway(next Gateway, breaker Breaker, scope string, metrics BreakerMetrics, logger *zap.Logger) (*BreakerGateway, error) {
	if next == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("breaker is required")
	}
	if scope == "" {
		return nil, fmt.Errorf("breaker scope is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BreakerGateway{
		next:    next,
		breaker: breaker,
		scope:   scope,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (g *BreakerGateway) Submit(ctx context.Context, payload *domain.Payload) (*Ack, error) {
	if !g.allow(ctx, domain.OperationSubmit) {
		return nil, ErrCircuitOpen
	}

	ack, err := g.next.Submit(ctx, payload)
	g.record(ctx, err)
	return ack, err
}

func (g *BreakerGateway) Status(ctx context.Context, reference string) (*StatusResult, error) {
	if !g.allow(ctx, domain.OperationStatusQuery) {
		return nil, ErrCircuitOpen
	}

	res, err := g.next.Status(ctx, reference)
	g.record(ctx, err)
	return res, err
}

func (g *BreakerGateway) allow(ctx context.Context, operation string) bool {
	if g.breaker.Allow(ctx, g.scope) {
		return true
	}

	g.logger.Warn("authority call short-circuited",
		zap.String("scope", g.scope),
		zap.String("operation", operation),
	)
	if g.metrics != nil {
		g.metrics.IncBreakerShortCircuit()
	}
	return false
}

func (g *BreakerGateway) record(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if IsRetryable(err) {
		g.breaker.RecordFailure(ctx, g.scope)
		return
	}
	g.breaker.RecordSuccess(ctx, g.scope)
}
