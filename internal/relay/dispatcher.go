package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"relayer/internal/metrics"
	"relayer/internal/models"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultEventType = "TokensLocked"

	// maxResponseBody bounds how much of the relay reply is read for logging
	maxResponseBody = 4 << 10
)

// Envelope is the body posted to the relay endpoint
type Envelope struct {
	EventType string               `json:"eventType"`
	Payload   *models.RelayPayload `json:"payload"`
}

// DeliveryError describes a failed delivery. StatusCode is zero when no HTTP
// response was received.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Reason     string
	Err        error

	// Transport is set when the request was sent but no response came back
	Transport bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay delivery to %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("relay delivery to %s failed: %s", e.Endpoint, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether sending the same payload again may succeed
func (e *DeliveryError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return e.Transport
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTimeout sets the per-delivery timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout is kept as given; redirects
// are never followed unless the client sets its own CheckRedirect.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client == nil {
			return
		}
		c := *client
		if c.CheckRedirect == nil {
			c.CheckRedirect = noRedirect
		}
		d.client = &c
	}
}

// WithEventType overrides the eventType written into the envelope
func WithEventType(eventType string) Option {
	return func(d *Dispatcher) {
		if eventType != "" {
			d.eventType = eventType
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher posts relay payloads to the downstream relay API.
// It holds no per-event state and never retries on its own.
type Dispatcher struct {
	endpoint  string
	eventType string
	client    *http.Client
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher for the given endpoint URL
func NewDispatcher(endpoint string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoint:  endpoint,
		eventType: DefaultEventType,
		client:    &http.Client{Timeout: DefaultTimeout, CheckRedirect: noRedirect},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "relay", "endpoint", endpoint)
	return d
}

// noRedirect hands a 3xx back to Deliver as a failed delivery
func noRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// Deliver sends one payload. A nil error means any 2xx response was received.
func (d *Dispatcher) Deliver(ctx context.Context, payload *models.RelayPayload) error {
	start := time.Now()
	status, err := d.post(ctx, payload)
	metrics.DispatchDuration.WithLabelValues(statusLabel(status)).Observe(time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) post(ctx context.Context, payload *models.RelayPayload) (int, error) {
	body, err := json.Marshal(Envelope{EventType: d.eventType, Payload: payload})
	if err != nil {
		return 0, &DeliveryError{Endpoint: d.endpoint, Reason: "failed to encode payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Endpoint: d.endpoint, Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Endpoint: d.endpoint, Reason: err.Error(), Err: err, Transport: true}
	}
	defer resp.Body.Close()

	reply, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := http.StatusText(resp.StatusCode)
		if len(reply) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, bytes.TrimSpace(reply))
		}
		return resp.StatusCode, &DeliveryError{
			Endpoint:   d.endpoint,
			StatusCode: resp.StatusCode,
			Reason:     reason,
		}
	}

	if readErr != nil {
		d.logger.Debug("Failed to read relay response body", "error", readErr)
	}
	d.logger.Debug("Relay accepted payload",
		"tx_hash", payload.SourceTransactionHash,
		"status", resp.StatusCode,
		"response", string(reply),
	)

	return resp.StatusCode, nil
}

// Endpoint returns the relay endpoint URL
func (d *Dispatcher) Endpoint() string {
	return d.endpoint
}

func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}
