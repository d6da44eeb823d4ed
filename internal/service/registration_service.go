package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/gateway"
	"github.com/kursadbilgin/tarjeta-registro/internal/observability"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"github.com/kursadbilgin/tarjeta-registro/internal/queue"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts    = 5
	defaultGatewayTimeout = 5 * time.Second
	defaultStoreTimeout   = 3 * time.Second
	publishTimeout        = 2 * time.Second
)

// PayloadBuilder assembles the check-in card of a reservation.
type PayloadBuilder interface {
	Build(ctx context.Context, reservationID int64) (*domain.Payload, *payload.Source, error)
}

// Locker serializes work on one reservation across processes. Lock returns
// ErrConcurrencyConflict when another holder owns the reservation.
type Locker interface {
	Lock(ctx context.Context, reservationID int64) (func(), error)
}

type RegistrationServiceConfig struct {
	MaxAttempts    int
	GatewayTimeout time.Duration
	StoreTimeout   time.Duration
	// Location is the business time zone submission dates are computed in.
	Location *time.Location
}

type RegistrationService struct {
	registrations  repository.RegistrationRepository
	attempts       repository.AttemptRepository
	builder        PayloadBuilder
	gateway        gateway.Gateway
	locker         Locker
	publisher      queue.Publisher
	logger         *zap.Logger
	metrics        *observability.Metrics
	maxAttempts    int
	gatewayTimeout time.Duration
	storeTimeout   time.Duration
	location       *time.Location
	now            func() time.Time
}

// NewRegistrationService wires the submission pipeline. publisher may be nil,
// in which case no transition events are emitted.
func NewRegistrationService(
	registrations repository.RegistrationRepository,
	attempts repository.AttemptRepository,
	builder PayloadBuilder,
	gw gateway.Gateway,
	locker Locker,
	publisher queue.Publisher,
	cfg RegistrationServiceConfig,
	logger *zap.Logger,
) (*RegistrationService, error) {
	if registrations == nil {
		return nil, fmt.Errorf("registration repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("payload builder is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("authority gateway is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RegistrationService{
		registrations:  registrations,
		attempts:       attempts,
		builder:        builder,
		gateway:        gw,
		locker:         locker,
		publisher:      publisher,
		logger:         logger,
		maxAttempts:    cfg.MaxAttempts,
		gatewayTimeout: cfg.GatewayTimeout,
		storeTimeout:   cfg.StoreTimeout,
		location:       cfg.Location,
		now:            time.Now,
	}, nil
}

func (s *RegistrationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit drives the reservation's open record one step: it creates the record
// on first use, sends it to the authority and records the outcome. Terminal and
// sent records are returned unchanged. Authority failures are absorbed into
// the record; the returned error is reserved for data, conflict and store
// failures.
func (s *RegistrationService) Submit(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	return s.submit(ctx, reservationID, false)
}

// Resubmit is the explicit re-trigger: when the latest record is terminal a
// fresh record is created and submitted. Otherwise it behaves like Submit.
func (s *RegistrationService) Resubmit(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	return s.submit(ctx, reservationID, true)
}

func (s *RegistrationService) submit(ctx context.Context, reservationID int64, fresh bool) (*domain.Registration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if reservationID <= 0 {
		return nil, fmt.Errorf("%w: reservation id must be positive", domain.ErrValidation)
	}

	release, err := s.locker.Lock(ctx, reservationID)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
		}
		return nil, err
	}
	defer release()

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.Int64("reservationId", reservationID))

	latest, err := s.latest(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var reg *domain.Registration
	switch {
	case latest == nil:
		reg, err = s.createPending(ctx, reservationID)
	case latest.State.IsTerminal() && fresh:
		logger.Info("creating fresh registration after terminal record",
			zap.String("previousRegistrationId", latest.ID),
			zap.String("previousState", latest.State.String()),
		)
		reg, err = s.createPending(ctx, reservationID)
	case latest.State.IsTerminal(), latest.State == domain.StateSent:
		return latest, nil
	case latest.State == domain.StatePending:
		reg, err = s.refreshPending(ctx, latest)
	default:
		reg = latest
	}
	if err != nil {
		return nil, err
	}

	return s.send(ctx, reg)
}

func (s *RegistrationService) latest(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	reg, err := s.registrations.GetLatestByReservation(storeCtx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest registration: %w", err)
	}
	return reg, nil
}

// build assembles the payload under the store timeout; its source reads are
// part of the work done while the reservation lock is held.
func (s *RegistrationService) build(ctx context.Context, reservationID int64) (*domain.Payload, *payload.Source, error) {
	buildCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.builder.Build(buildCtx, reservationID)
}

func (s *RegistrationService) createPending(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	p, src, err := s.build(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.now().UTC()
	reg := &domain.Registration{
		ID:             uuid.NewString(),
		ReservationID:  reservationID,
		GuestID:        src.Guest.ID,
		PropertyID:     src.Property.ID,
		State:          domain.StatePending,
		SubmissionDate: s.submissionDate(now),
		Payload:        body,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.registrations.Create(storeCtx, reg); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
		}
		return nil, err
	}
	return reg, nil
}

// refreshPending rebuilds the payload of a record that was never sent, so the
// first submission carries the latest reservation data. When the source data no
// longer builds, the payload validated at creation is sent instead.
func (s *RegistrationService) refreshPending(ctx context.Context, reg *domain.Registration) (*domain.Registration, error) {
	p, _, err := s.build(ctx, reg.ReservationID)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindSourceDataIncomplete, domain.KindPayloadValidation:
			observability.WithContextLogger(s.logger, ctx).Warn("payload refresh failed, sending stored payload",
				zap.String("registrationId", reg.ID),
				zap.Int64("reservationId", reg.ReservationID),
				zap.Error(err),
			)
			return reg, nil
		}
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	submissionDate := s.submissionDate(s.now())

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.registrations.UpdatePendingPayload(storeCtx, reg.ID, body, submissionDate); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
		}
		return nil, err
	}
	reg.Payload = body
	reg.SubmissionDate = submissionDate
	return reg, nil
}

func (s *RegistrationService) send(ctx context.Context, reg *domain.Registration) (*domain.Registration, error) {
	var p domain.Payload
	if err := json.Unmarshal(reg.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode stored payload of registration %s: %w", reg.ID, err)
	}

	// The call and the write recording its result must not be split by the
	// caller going away, otherwise the attempt is lost.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, s.gatewayTimeout)
	start := s.now()
	ack, callErr := s.gateway.Submit(callCtx, &p)
	cancel()
	s.metrics.ObserveGatewayCall(domain.OperationSubmit, s.now().Sub(start))

	outcome, err := gateway.SubmitOutcome(ack, callErr)
	if err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("submission skipped, registration unchanged",
			zap.String("registrationId", reg.ID),
			zap.Int64("reservationId", reg.ReservationID),
			zap.Error(err),
		)
		return reg, nil
	}

	statusCode := 0
	if ack != nil {
		statusCode = ack.StatusCode
	}
	return s.record(ctx, reg, outcome, statusCode)
}

// RefreshStatus polls the authority for a sent record and applies the
// confirmation, rejection or loss it reports. Records in any other state, or
// without an authority reference, are returned unchanged.
func (s *RegistrationService) RefreshStatus(ctx context.Context, registrationID string) (*domain.Registration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	reg, err := s.get(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.State != domain.StateSent {
		return reg, nil
	}

	release, err := s.locker.Lock(ctx, reg.ReservationID)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
		}
		return nil, err
	}
	defer release()

	// Re-read under the lock; a concurrent submit may have moved it.
	reg, err = s.get(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.State != domain.StateSent {
		return reg, nil
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("registrationId", reg.ID),
		zap.Int64("reservationId", reg.ReservationID),
	)
	if reg.AuthorityReference == nil || *reg.AuthorityReference == "" {
		logger.Warn("sent registration has no authority reference, cannot poll status")
		s.markPolled(ctx, reg, logger)
		return reg, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	start := s.now()
	res, callErr := s.gateway.Status(callCtx, *reg.AuthorityReference)
	cancel()
	s.metrics.ObserveGatewayCall(domain.OperationStatusQuery, s.now().Sub(start))

	outcome, err := gateway.StatusOutcome(res, callErr)
	if err != nil {
		logger.Warn("status poll skipped, registration unchanged", zap.Error(err))
		return reg, nil
	}

	statusCode := 0
	if res != nil {
		statusCode = res.StatusCode
	}
	updated, err := s.record(ctx, reg, outcome, statusCode)
	if err != nil {
		return nil, err
	}
	if updated.State == domain.StateSent {
		s.markPolled(ctx, updated, logger)
	}
	return updated, nil
}

// markPolled moves an unchanged sent record to the back of the poll order.
// Failures only cost an early re-poll, so they are logged.
func (s *RegistrationService) markPolled(ctx context.Context, reg *domain.Registration, logger *zap.Logger) {
	at := s.now().UTC()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if err := s.registrations.MarkPolled(storeCtx, reg.ID, at); err != nil {
		logger.Warn("failed to stamp status poll", zap.Error(err))
		return
	}
	reg.LastPolledAt = &at
}

// record plans the transition an outcome causes and writes it, fenced, with
// its attempt row. The in-memory record is only updated after the write.
func (s *RegistrationService) record(ctx context.Context, reg *domain.Registration, outcome domain.Outcome, statusCode int) (*domain.Registration, error) {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("registrationId", reg.ID),
		zap.Int64("reservationId", reg.ReservationID),
		zap.String("operation", outcome.Operation),
	)

	t, err := reg.Plan(outcome, s.maxAttempts, s.now())
	if err != nil {
		return nil, err
	}
	if t == nil {
		logger.Debug("authority outcome leaves registration unchanged",
			zap.String("state", reg.State.String()),
			zap.String("outcome", string(outcome.Kind)),
		)
		return reg, nil
	}

	attempt := newAttempt(t, outcome, statusCode)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if err := s.registrations.ApplyTransition(storeCtx, t, attempt); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
		}
		logger.Error("failed to record authority outcome",
			zap.String("from", t.From.String()),
			zap.String("to", t.To.String()),
			zap.Error(err),
		)
		return nil, err
	}

	reg.Apply(t)
	s.metrics.IncTransition(t.From.String(), t.To.String())

	fields := []zap.Field{
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
		zap.Int("attemptCount", t.AttemptCount),
	}
	if t.LastError != nil {
		fields = append(fields, zap.String("lastError", *t.LastError))
	}
	logger.Info("registration transitioned", fields...)

	s.publishTransition(ctx, reg, t)
	return reg, nil
}

func (s *RegistrationService) publishTransition(ctx context.Context, reg *domain.Registration, t *domain.Transition) {
	if s.publisher == nil {
		return
	}

	event := queue.TransitionEvent{
		EventID:        uuid.NewString(),
		RegistrationID: reg.ID,
		ReservationID:  reg.ReservationID,
		From:           t.From,
		To:             t.To,
		AttemptCount:   t.AttemptCount,
		LastError:      t.LastError,
		OccurredAt:     t.At,
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		event.CorrelationID = correlationID
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.PublishTransition(pubCtx, event); err != nil {
		observability.WithContextLogger(s.logger, ctx).Error("failed to publish transition event",
			zap.String("registrationId", reg.ID),
			zap.String("to", t.To.String()),
			zap.Error(err),
		)
	}
}

// GetByReservation returns every record of a reservation, most recent first.
func (s *RegistrationService) GetByReservation(ctx context.Context, reservationID int64) ([]domain.Registration, error) {
	if reservationID <= 0 {
		return nil, fmt.Errorf("%w: reservation id must be positive", domain.ErrValidation)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.registrations.ListByReservation(storeCtx, reservationID)
}

// GetStatus returns the most recent record of a reservation.
func (s *RegistrationService) GetStatus(ctx context.Context, reservationID int64) (*domain.Registration, error) {
	if reservationID <= 0 {
		return nil, fmt.Errorf("%w: reservation id must be positive", domain.ErrValidation)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	reg, err := s.registrations.GetLatestByReservation(storeCtx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: reservation %d has no registration", domain.ErrNotFound, reservationID)
	}
	return reg, err
}

// ListPendingForRetry returns up to limit records the retry sweep should
// submit, oldest first. It never changes state.
func (s *RegistrationService) ListPendingForRetry(ctx context.Context, limit int) ([]domain.Registration, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrValidation)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.registrations.ListPendingForRetry(storeCtx, limit)
}

// ListAwaitingConfirmation returns sent records neither changed nor polled for at
// least minAge, least recently looked at first.
func (s *RegistrationService) ListAwaitingConfirmation(ctx context.Context, minAge time.Duration, limit int) ([]domain.Registration, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrValidation)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.registrations.ListAwaitingConfirmation(storeCtx, s.now().UTC().Add(-minAge), limit)
}

// GetAttempts returns the attempt audit trail of a record, oldest first.
func (s *RegistrationService) GetAttempts(ctx context.Context, registrationID string) ([]domain.SubmissionAttempt, error) {
	if _, err := s.get(ctx, registrationID); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.attempts.ListByRegistration(storeCtx, registrationID)
}

// HandleSubmissionRequest is the queue handler for submission requests.
// Requests that can never succeed are dead-lettered; a reservation locked by
// another worker is acknowledged since that worker is already submitting it.
func (s *RegistrationService) HandleSubmissionRequest(ctx context.Context, req queue.SubmissionRequest) error {
	if req.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, req.CorrelationID)
	}
	ctx, _ = observability.EnsureCorrelationID(ctx)

	var err error
	if req.Resubmit {
		_, err = s.Resubmit(ctx, req.ReservationID)
	} else {
		_, err = s.Submit(ctx, req.ReservationID)
	}

	switch domain.KindOf(err) {
	case "":
		return nil
	case domain.KindConcurrencyConflict:
		observability.WithContextLogger(s.logger, ctx).Info("reservation busy, dropping duplicate submission request",
			zap.Int64("reservationId", req.ReservationID),
		)
		return nil
	case domain.KindValidation, domain.KindSourceDataIncomplete, domain.KindPayloadValidation, domain.KindNotFound:
		return fmt.Errorf("%w: %v", queue.ErrRejectMessage, err)
	default:
		return err
	}
}

func (s *RegistrationService) get(ctx context.Context, registrationID string) (*domain.Registration, error) {
	if _, err := uuid.Parse(registrationID); err != nil {
		return nil, fmt.Errorf("%w: invalid registration id %q", domain.ErrValidation, registrationID)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	reg, err := s.registrations.GetByID(storeCtx, registrationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: registration %s", domain.ErrNotFound, registrationID)
	}
	return reg, err
}

func (s *RegistrationService) submissionDate(at time.Time) string {
	return at.In(s.location).Format(domain.DateLayout)
}

func newAttempt(t *domain.Transition, outcome domain.Outcome, statusCode int) *domain.SubmissionAttempt {
	attempt := &domain.SubmissionAttempt{
		ID:             uuid.NewString(),
		RegistrationID: t.RegistrationID,
		AttemptNumber:  t.AttemptCount,
		Operation:      outcome.Operation,
		CreatedAt:      t.At,
	}

	var gwErr *gateway.GatewayError
	if errors.As(outcome.Err, &gwErr) && gwErr.StatusCode > 0 && statusCode == 0 {
		statusCode = gwErr.StatusCode
	}
	if statusCode > 0 {
		code := statusCode
		attempt.StatusCode = &code
	}

	switch {
	case len(outcome.Response) > 0:
		body := string(outcome.Response)
		attempt.ResponseBody = &body
	case gwErr != nil && len(gwErr.Body) > 0:
		body := string(gwErr.Body)
		attempt.ResponseBody = &body
	}

	if outcome.Err != nil {
		msg := outcome.Err.Error()
		attempt.Error = &msg
	}
	return attempt
}
