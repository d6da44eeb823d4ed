package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/tarjeta-registro/internal/queue"
	"github.com/kursadbilgin/tarjeta-registro/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// SubmissionWorker consumes submission requests published by the reservation
// system and feeds them to the registration service.
type SubmissionWorker struct {
	consumer    queue.Consumer
	handler     queue.SubmissionHandler
	limiter     ratelimit.Limiter
	logger      *zap.Logger
	concurrency int
}

func NewSubmissionWorker(
	consumer queue.Consumer,
	handler queue.SubmissionHandler,
	limiter ratelimit.Limiter,
	concurrency int,
	logger *zap.Logger,
) (*SubmissionWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("submission handler is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SubmissionWorker{
		consumer:    consumer,
		handler:     handler,
		limiter:     limiter,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start runs the consumers until ctx is canceled.
func (w *SubmissionWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("submission worker started", zap.Int("workerId", workerID))

			if err := w.consumer.ConsumeSubmissions(groupCtx, w.process); err != nil {
				w.logger.Error("submission worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("submission worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *SubmissionWorker) process(ctx context.Context, req queue.SubmissionRequest) error {
	if err := w.limiter.Wait(ctx, ratelimit.ScopeAuthority); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return w.handler(ctx, req)
}
