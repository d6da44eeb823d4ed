package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
	"github.com/kursadbilgin/tarjeta-registro/internal/observability"
	"github.com/kursadbilgin/tarjeta-registro/internal/transport"
)

type RegistrationService interface {
	Submit(ctx context.Context, reservationID int64) (*domain.Registration, error)
	Resubmit(ctx context.Context, reservationID int64) (*domain.Registration, error)
	GetByReservation(ctx context.Context, reservationID int64) ([]domain.Registration, error)
	GetStatus(ctx context.Context, reservationID int64) (*domain.Registration, error)
	GetAttempts(ctx context.Context, registrationID string) ([]domain.SubmissionAttempt, error)
}

type RegistrationHandler struct {
	service RegistrationService
}

func NewRegistrationHandler(service RegistrationService) (*RegistrationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("registration service is required")
	}
	return &RegistrationHandler{service: service}, nil
}

func RegisterRegistrationRoutes(router fiber.Router, service RegistrationService) error {
	h, err := NewRegistrationHandler(service)
	if err != nil {
		return err
	}

	g := router.Group("/tarjeta-registro")
	g.Get("/estado/:reservationId", h.GetStatus)
	g.Get("/registros/:registrationId/intentos", h.GetAttempts)
	g.Post("/:reservationId/reenviar", h.Resubmit)
	g.Post("/:reservationId", h.Submit)
	g.Get("/:reservationId", h.GetByReservation)

	return nil
}

type registrationResponse struct {
	ID                 string          `json:"id"`
	ReservationID      int64           `json:"reservationId"`
	GuestID            int64           `json:"guestId"`
	PropertyID         int64           `json:"propertyId"`
	State              string          `json:"state"`
	SubmissionDate     string          `json:"submissionDate"`
	AttemptCount       int             `json:"attemptCount"`
	LastError          *string         `json:"lastError"`
	Payload            json.RawMessage `json:"payload"`
	AuthorityResponse  json.RawMessage `json:"authorityResponse"`
	AuthorityReference *string         `json:"authorityReference,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type statusResponse struct {
	ReservationID  int64     `json:"reservationId"`
	RegistrationID string    `json:"registrationId"`
	State          string    `json:"state"`
	AttemptCount   int       `json:"attemptCount"`
	LastError      *string   `json:"lastError,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type attemptResponse struct {
	ID            string    `json:"id"`
	AttemptNumber int       `json:"attemptNumber"`
	Operation     string    `json:"operation"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	ResponseBody  *string   `json:"responseBody,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *RegistrationHandler) Submit(c *fiber.Ctx) error {
	reservationID, err := reservationIDParam(c)
	if err != nil {
		return err
	}

	reg, err := h.service.Submit(requestContext(c), reservationID)
	if err != nil {
		return err
	}
	return transport.OK(c, toRegistrationResponse(reg))
}

func (h *RegistrationHandler) Resubmit(c *fiber.Ctx) error {
	reservationID, err := reservationIDParam(c)
	if err != nil {
		return err
	}

	reg, err := h.service.Resubmit(requestContext(c), reservationID)
	if err != nil {
		return err
	}
	return transport.OK(c, toRegistrationResponse(reg))
}

func (h *RegistrationHandler) GetByReservation(c *fiber.Ctx) error {
	reservationID, err := reservationIDParam(c)
	if err != nil {
		return err
	}

	regs, err := h.service.GetByReservation(requestContext(c), reservationID)
	if err != nil {
		return err
	}

	out := make([]registrationResponse, 0, len(regs))
	for i := range regs {
		out = append(out, toRegistrationResponse(&regs[i]))
	}
	return transport.OK(c, out)
}

func (h *RegistrationHandler) GetStatus(c *fiber.Ctx) error {
	reservationID, err := reservationIDParam(c)
	if err != nil {
		return err
	}

	reg, err := h.service.GetStatus(requestContext(c), reservationID)
	if err != nil {
		return err
	}
	return transport.OK(c, statusResponse{
		ReservationID:  reg.ReservationID,
		RegistrationID: reg.ID,
		State:          reg.State.String(),
		AttemptCount:   reg.AttemptCount,
		LastError:      reg.LastError,
		UpdatedAt:      reg.UpdatedAt,
	})
}

func (h *RegistrationHandler) GetAttempts(c *fiber.Ctx) error {
	registrationID := strings.TrimSpace(c.Params("registrationId"))

	attempts, err := h.service.GetAttempts(requestContext(c), registrationID)
	if err != nil {
		return err
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			ID:            a.ID,
			AttemptNumber: a.AttemptNumber,
			Operation:     a.Operation,
			StatusCode:    a.StatusCode,
			ResponseBody:  a.ResponseBody,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}
	return transport.OK(c, out)
}

func reservationIDParam(c *fiber.Ctx) (int64, error) {
	raw := strings.TrimSpace(c.Params("reservationId"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: reservationId must be a positive integer, got %q", domain.ErrValidation, raw)
	}
	return id, nil
}

// CorrelationMiddleware carries the request id into the request's user
// context so service logs and events share it. It runs after fiber's
// requestid middleware.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if correlationID := requestCorrelationID(c); correlationID != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), correlationID))
		}
		return c.Next()
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	return c.UserContext()
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toRegistrationResponse(r *domain.Registration) registrationResponse {
	return registrationResponse{
		ID:                 r.ID,
		ReservationID:      r.ReservationID,
		GuestID:            r.GuestID,
		PropertyID:         r.PropertyID,
		State:              r.State.String(),
		SubmissionDate:     r.SubmissionDate,
		AttemptCount:       r.AttemptCount,
		LastError:          r.LastError,
		Payload:            rawOrNull(r.Payload),
		AuthorityResponse:  rawOrNull(r.AuthorityResponse),
		AuthorityReference: r.AuthorityReference,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
