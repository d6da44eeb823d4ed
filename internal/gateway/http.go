package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
)

const (
	defaultAuthorityTimeout = 5 * time.Second
	submitPath              = "/tarjetas"
	statusPath              = "/tarjetas/{codigo}"
)

type authorityAck struct {
	Codigo string `json:"codigo"`
	Estado string `json:"estado"`
}

// AuthorityClient calls the tourism authority's check-in card API over HTTPS.
type AuthorityClient struct {
	client *resty.Client
}

var _ Gateway = (*AuthorityClient)(nil)

func NewAuthorityClient(baseURL, token string, timeout time.Duration) (*AuthorityClient, error) {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultAuthorityTimeout
	}
	client.SetTimeout(timeout)

	return NewAuthorityClientWithClient(baseURL, token, client)
}

func NewAuthorityClientWithClient(baseURL, token string, client *resty.Client) (*AuthorityClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("authority base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid authority base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAuthorityTimeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(trimmed)
	client.SetHeader("Accept", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		client.SetAuthToken(token)
	}

	return &AuthorityClient{client: client}, nil
}

// Submit posts a check-in card. Any 2xx is an acknowledgement; its body is kept verbatim.
func (c *AuthorityClient) Submit(ctx context.Context, payload *domain.Payload) (*Ack, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("authority client is not initialized")
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", domain.ErrPayloadValidation)
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(submitPath)
	if err != nil {
		return nil, requestError(err)
	}

	statusCode := response.StatusCode()
	body := response.Body()
	if !isSuccess(statusCode) {
		return nil, statusError(statusCode, body)
	}

	parsed := parseAck(body)
	return &Ack{
		StatusCode: statusCode,
		Body:       rawJSON(body),
		Reference:  strings.TrimSpace(parsed.Codigo),
		Estado:     strings.ToUpper(strings.TrimSpace(parsed.Estado)),
	}, nil
}

// Status queries the processing state of a previously acknowledged card. A 2xx
// body without a readable estado counts as still processing.
func (c *AuthorityClient) Status(ctx context.Context, reference string) (*StatusResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("authority client is not initialized")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: authority reference is required", domain.ErrValidation)
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetPathParam("codigo", reference).
		Get(statusPath)
	if err != nil {
		return nil, requestError(err)
	}

	statusCode := response.StatusCode()
	body := response.Body()
	if statusCode == http.StatusNotFound {
		return &StatusResult{StatusCode: statusCode, Body: rawJSON(body), NotFound: true}, nil
	}
	if !isSuccess(statusCode) {
		return nil, statusError(statusCode, body)
	}

	parsed := parseAck(body)
	return &StatusResult{
		StatusCode: statusCode,
		Body:       rawJSON(body),
		Estado:     strings.ToUpper(strings.TrimSpace(parsed.Estado)),
	}, nil
}

// parseAck reads codigo and estado from an authority body. The body itself is
// opaque; anything unreadable leaves both empty.
func parseAck(body []byte) authorityAck {
	var parsed authorityAck
	if err := json.Unmarshal(body, &parsed); err != nil {
		return authorityAck{}
	}
	return parsed
}

func requestError(err error) error {
	return &GatewayError{
		Message:   "authority request failed",
		Retryable: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

func statusError(statusCode int, body []byte) error {
	return &GatewayError{
		StatusCode: statusCode,
		Message:    statusErrorMessage(statusCode, strings.TrimSpace(string(body))),
		Body:       body,
		Retryable:  isRetryableHTTPStatus(statusCode),
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}

func isRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("authority returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
