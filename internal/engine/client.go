// Package engine is the outbound client for the external transfer engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/observability"
)

// ErrConflict matches an UpstreamError for a 409 response, which the engine
// returns when it is already processing the job.
var ErrConflict = errors.New("engine conflict")

// UpstreamError reports a failed engine call. StatusCode is zero when the
// engine could not be reached.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("engine %s: status %d", e.Op, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// HeaderSource supplies the authenticated header bundle for each call.
type HeaderSource interface {
	PrepareOutboundHeaders(ctx context.Context, ownerID, correlationID, role string) (credential.HeaderSet, error)
}

// StartRequest hands a new process to the engine.
type StartRequest struct {
	ProcessID string     `json:"process_id"`
	OwnerID   string     `json:"owner_id"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

// Status is the engine's view of a process.
type Status struct {
	ProcessID string `json:"process_id"`
	IsRunning bool   `json:"is_running"`
	Status    string `json:"status,omitempty"`
	Progress  int    `json:"progress,omitempty"`
}

// Client is an HTTP implementation of the engine API.
type Client struct {
	baseURL string
	role    string
	http    *http.Client
	headers HeaderSource
}

// NewClient creates a new Client. role is sent as X-Role on every call.
func NewClient(baseURL string, timeout time.Duration, role string, headers HeaderSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		role:    role,
		headers: headers,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Start hands a pending process to the engine.
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	return c.do(ctx, "start", http.MethodPost, "/processes", req.OwnerID, req.ProcessID, req, nil)
}

// Status reads the engine's view of a process.
func (c *Client) Status(ctx context.Context, ownerID, processID string) (*Status, error) {
	var out Status
	if err := c.do(ctx, "status", http.MethodGet, "/processes/"+processID+"/status", ownerID, processID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume re-dispatches a held or stalled process with resumption data.
func (c *Client) Resume(ctx context.Context, ownerID, processID string, payload json.RawMessage) error {
	var body any
	if len(payload) > 0 {
		body = payload
	}
	return c.do(ctx, "resume", http.MethodPost, "/processes/"+processID+"/resume", ownerID, processID, body, nil)
}

// Terminate stops a process on the engine.
func (c *Client) Terminate(ctx context.Context, ownerID, processID string) error {
	return c.do(ctx, "terminate", http.MethodPost, "/processes/"+processID+"/terminate", ownerID, processID, nil, nil)
}

// SubmitVerificationMethod relays the operator's chosen verification method.
func (c *Client) SubmitVerificationMethod(ctx context.Context, ownerID, processID, threadID, method string) error {
	body := struct {
		VerificationMethod string `json:"verification_method"`
		ThreadID           string `json:"thread_id"`
	}{method, threadID}
	return c.do(ctx, "verification-method", http.MethodPost, "/challenges/verification-method", ownerID, processID, body, nil)
}

// SubmitVerificationCode relays the code the operator entered.
func (c *Client) SubmitVerificationCode(ctx context.Context, ownerID, processID, threadID, code string) error {
	body := struct {
		VerificationCode string `json:"verification_code"`
		ThreadID         string `json:"thread_id"`
	}{code, threadID}
	return c.do(ctx, "verification-code", http.MethodPost, "/challenges/verification-code", ownerID, processID, body, nil)
}

// SubmitConfirmation relays the operator's transfer confirmation.
func (c *Client) SubmitConfirmation(ctx context.Context, ownerID, processID, threadID string, confirmed bool) error {
	body := struct {
		Confirmation bool   `json:"confirmation"`
		ThreadID     string `json:"thread_id"`
	}{confirmed, threadID}
	return c.do(ctx, "confirmation", http.MethodPost, "/challenges/confirmation", ownerID, processID, body, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, ownerID, processID string, in, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "engine."+op,
		attribute.String("process.id", processID),
		attribute.String("owner.id", ownerID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	hs, err := c.headers.PrepareOutboundHeaders(ctx, ownerID, processID, c.role)
	if err != nil {
		return fmt.Errorf("prepare engine headers: %w", err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	hs.Apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}
