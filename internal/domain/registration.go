package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a registration record.
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateSent, StateConfirmed, StateFailed, StateRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether no transition is defined out of the state.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// IsActive reports whether the state still counts as the reservation's open record.
func (s State) IsActive() bool {
	return s == StatePending || s == StateSent || s == StateRetrying
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// ActiveStates lists the non-terminal states, in the order used by queries.
func ActiveStates() []State {
	return []State{StatePending, StateSent, StateRetrying}
}

// RetryableStates lists the states the retry sweep picks up.
func RetryableStates() []State {
	return []State{StatePending, StateRetrying}
}

// Registration is one submission lifecycle of a reservation's check-in card.
// LastPolledAt is set when a status poll finds a sent record unchanged.
type Registration struct {
	ID                 string
	ReservationID      int64
	GuestID            int64
	PropertyID         int64
	State              State
	SubmissionDate     string
	AttemptCount       int
	LastError          *string
	Payload            json.RawMessage
	AuthorityResponse  json.RawMessage
	AuthorityReference *string
	LastPolledAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CheckInvariants verifies the record-level invariants that must hold after every transition.
func (r *Registration) CheckInvariants() error {
	if r == nil {
		return fmt.Errorf("%w: registration is required", ErrValidation)
	}
	if !r.State.IsValid() {
		return fmt.Errorf("%w: invalid state %q", ErrValidation, r.State)
	}
	if r.AttemptCount < 0 {
		return fmt.Errorf("%w: attempt count must not be negative", ErrValidation)
	}
	if (r.AttemptCount == 0) != (r.State == StatePending) {
		return fmt.Errorf("%w: attempt count %d inconsistent with state %s", ErrValidation, r.AttemptCount, r.State)
	}
	if len(r.AuthorityResponse) > 0 {
		switch r.State {
		case StateSent, StateConfirmed, StateFailed:
		default:
			return fmt.Errorf("%w: authority response present in state %s", ErrValidation, r.State)
		}
	}
	return nil
}

// SubmissionAttempt records a single authority call made for a registration.
type SubmissionAttempt struct {
	ID             string
	RegistrationID string
	AttemptNumber  int
	Operation      string
	StatusCode     *int
	ResponseBody   *string
	Error          *string
	CreatedAt      time.Time
}

const (
	OperationSubmit      = "submit"
	OperationStatusQuery = "status"
)
