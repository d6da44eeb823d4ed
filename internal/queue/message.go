package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
)

// TransitionEvent is published after every durably applied state transition.
type TransitionEvent struct {
	EventID        string       `json:"eventId"`
	RegistrationID string       `json:"registrationId"`
	ReservationID  int64        `json:"reservationId"`
	From           domain.State `json:"from"`
	To             domain.State `json:"to"`
	AttemptCount   int          `json:"attemptCount"`
	LastError      *string      `json:"lastError,omitempty"`
	CorrelationID  string       `json:"correlationId,omitempty"`
	OccurredAt     time.Time    `json:"occurredAt"`
}

func (m TransitionEvent) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(m.RegistrationID) == "" {
		return fmt.Errorf("registrationId is required")
	}
	if !m.From.IsValid() || !m.To.IsValid() {
		return fmt.Errorf("invalid transition %q -> %q", m.From, m.To)
	}
	return nil
}

// SubmissionRequest asks the service to submit a reservation's check-in card.
// Resubmit requests a fresh record when the latest one is terminal.
type SubmissionRequest struct {
	ReservationID int64  `json:"reservationId"`
	Resubmit      bool   `json:"resubmit,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m SubmissionRequest) Validate() error {
	if m.ReservationID <= 0 {
		return fmt.Errorf("reservationId must be positive")
	}
	return nil
}
