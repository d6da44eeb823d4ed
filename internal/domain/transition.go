package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

var allowedTransitions = map[State][]State{
	StatePending:  {StateSent, StateConfirmed, StateFailed, StateRetrying},
	StateRetrying: {StateSent, StateConfirmed, StateFailed, StateRetrying},
	StateSent:     {StateConfirmed, StateRetrying, StateFailed},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from State, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutcomeKind classifies the result of an authority call.
type OutcomeKind string

const (
	// OutcomeAcknowledged: the authority received the card but has not accepted it yet.
	OutcomeAcknowledged OutcomeKind = "acknowledged"
	OutcomeConfirmed    OutcomeKind = "confirmed"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeUnavailable  OutcomeKind = "unavailable"
	// OutcomeProcessing: a status query found the submission still being processed.
	OutcomeProcessing OutcomeKind = "processing"
	// OutcomeLost: a status query found no trace of the submission.
	OutcomeLost OutcomeKind = "lost"
)

// Outcome is what the state machine needs to know about one authority call.
type Outcome struct {
	Kind      OutcomeKind
	Operation string
	Response  json.RawMessage
	Reference string
	Err       error
}

// Transition is a planned, fenced state change. Stores apply it only while the
// record is still in From with ExpectedAttemptCount attempts.
type Transition struct {
	RegistrationID       string
	From                 State
	To                   State
	ExpectedAttemptCount int
	AttemptCount         int
	LastError            *string
	AuthorityResponse    json.RawMessage
	AuthorityReference   *string
	At                   time.Time
}

// Plan computes the transition an outcome causes. A nil transition with a nil
// error means the outcome leaves the record unchanged.
func (r *Registration) Plan(o Outcome, maxAttempts int, now time.Time) (*Transition, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: registration is required", ErrValidation)
	}
	if r.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.State)
	}

	t := &Transition{
		RegistrationID:       r.ID,
		From:                 r.State,
		ExpectedAttemptCount: r.AttemptCount,
		AttemptCount:         r.AttemptCount,
		At:                   now.UTC(),
	}
	if o.Reference != "" {
		ref := o.Reference
		t.AuthorityReference = &ref
	}

	switch o.Operation {
	case OperationSubmit:
		if r.State != StatePending && r.State != StateRetrying {
			return nil, fmt.Errorf("%w: cannot submit from %s", ErrInvalidTransition, r.State)
		}
		t.AttemptCount = r.AttemptCount + 1

		switch o.Kind {
		case OutcomeAcknowledged:
			t.To = StateSent
			t.AuthorityResponse = o.Response
		case OutcomeConfirmed:
			t.To = StateConfirmed
			t.AuthorityResponse = o.Response
		case OutcomeRejected:
			t.To = StateFailed
			t.AuthorityResponse = o.Response
			t.LastError = outcomeError(o, "authority rejected submission")
		case OutcomeUnavailable:
			t.To = StateRetrying
			t.LastError = outcomeError(o, "authority unavailable")
			if maxAttempts > 0 && t.AttemptCount >= maxAttempts {
				t.To = StateFailed
				msg := fmt.Sprintf("retries exhausted after %d attempts: %s", t.AttemptCount, *t.LastError)
				t.LastError = &msg
			}
		default:
			return nil, fmt.Errorf("%w: outcome %q is not valid for a submission", ErrInvalidTransition, o.Kind)
		}

	case OperationStatusQuery:
		if r.State != StateSent {
			return nil, fmt.Errorf("%w: cannot query status from %s", ErrInvalidTransition, r.State)
		}

		switch o.Kind {
		case OutcomeProcessing, OutcomeUnavailable:
			return nil, nil
		case OutcomeConfirmed:
			t.To = StateConfirmed
			t.AuthorityResponse = o.Response
		case OutcomeRejected:
			t.To = StateFailed
			t.AuthorityResponse = o.Response
			t.LastError = outcomeError(o, "authority rejected submission")
		case OutcomeLost:
			t.To = StateRetrying
			t.LastError = outcomeError(o, "authority has no record of the submission")
		default:
			return nil, fmt.Errorf("%w: outcome %q is not valid for a status query", ErrInvalidTransition, o.Kind)
		}

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidTransition, o.Operation)
	}

	if !CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.AuthorityReference == nil {
		t.AuthorityReference = r.AuthorityReference
	}

	return t, nil
}

// Apply copies a transition onto the in-memory record.
func (r *Registration) Apply(t *Transition) {
	if r == nil || t == nil {
		return
	}

	r.State = t.To
	r.AttemptCount = t.AttemptCount
	if t.LastError != nil {
		r.LastError = t.LastError
	}
	r.AuthorityResponse = t.AuthorityResponse
	r.AuthorityReference = t.AuthorityReference
	r.LastPolledAt = nil
	r.UpdatedAt = t.At
}

func outcomeError(o Outcome, fallback string) *string {
	msg := fallback
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return &msg
}
