package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
)

// Gateway is the outbound port to the tourism authority.
type Gateway interface {
	Submit(ctx context.Context, payload *domain.Payload) (*Ack, error)
	Status(ctx context.Context, reference string) (*StatusResult, error)
}

// Ack is the authority's answer to a submission.
type Ack struct {
	StatusCode int
	Body       json.RawMessage
	Reference  string
	Estado     string
}

// StatusResult is the authority's answer to a status query. NotFound is set
// when the authority has no record of the reference.
type StatusResult struct {
	StatusCode int
	Body       json.RawMessage
	Estado     string
	NotFound   bool
}

// Authority processing states.
const (
	EstadoRecibido   = "RECIBIDO"
	EstadoPendiente  = "PENDIENTE"
	EstadoEnProceso  = "EN_PROCESO"
	EstadoConfirmado = "CONFIRMADO"
	EstadoAceptado   = "ACEPTADO"
	EstadoRechazado  = "RECHAZADO"
)

func estadoKind(estado string) domain.OutcomeKind {
	switch strings.ToUpper(strings.TrimSpace(estado)) {
	case EstadoConfirmado, EstadoAceptado:
		return domain.OutcomeConfirmed
	case EstadoRechazado:
		return domain.OutcomeRejected
	default:
		return domain.OutcomeProcessing
	}
}

// SubmitOutcome turns the result of Submit into a state machine outcome. It
// returns an error only when the call was not made or its result is unknown
// to us (circuit open, caller cancellation); no transition may be recorded then.
func SubmitOutcome(ack *Ack, err error) (domain.Outcome, error) {
	out := domain.Outcome{Operation: domain.OperationSubmit}

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return out, err
		}

		out.Err = err
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && len(gwErr.Body) > 0 {
			out.Response = rawJSON(gwErr.Body)
		}
		if IsRetryable(err) {
			out.Kind = domain.OutcomeUnavailable
			out.Response = nil
		} else {
			out.Kind = domain.OutcomeRejected
		}
		return out, nil
	}

	if ack == nil {
		out.Kind = domain.OutcomeUnavailable
		out.Err = &GatewayError{Message: "authority returned no acknowledgement", Retryable: true}
		return out, nil
	}

	out.Response = ack.Body
	out.Reference = ack.Reference
	switch estadoKind(ack.Estado) {
	case domain.OutcomeConfirmed:
		out.Kind = domain.OutcomeConfirmed
	case domain.OutcomeRejected:
		out.Kind = domain.OutcomeRejected
		out.Err = &GatewayError{StatusCode: ack.StatusCode, Message: "authority acknowledged with estado " + EstadoRechazado}
	default:
		out.Kind = domain.OutcomeAcknowledged
	}
	return out, nil
}

// StatusOutcome turns the result of Status into a state machine outcome.
// Failed polls never change the record, so any error maps to unavailable.
func StatusOutcome(res *StatusResult, err error) (domain.Outcome, error) {
	out := domain.Outcome{Operation: domain.OperationStatusQuery}

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return out, err
		}
		out.Kind = domain.OutcomeUnavailable
		out.Err = err
		return out, nil
	}
	if res == nil {
		out.Kind = domain.OutcomeUnavailable
		return out, nil
	}

	if res.NotFound {
		out.Kind = domain.OutcomeLost
		out.Err = errors.New("authority has no record of the submission")
		return out, nil
	}

	out.Response = res.Body
	out.Kind = estadoKind(res.Estado)
	if out.Kind == domain.OutcomeRejected {
		out.Err = &GatewayError{StatusCode: res.StatusCode, Message: "authority status " + EstadoRechazado + ": " + string(res.Body)}
	}
	return out, nil
}

func rawJSON(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(trimmed)
	if err != nil {
		return nil
	}
	return quoted
}
