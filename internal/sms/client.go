// Package sms sends text messages through the HTTP SMS gateway and adapts it
// to the background dispatcher.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Message is one outbound text message.
type Message struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// GatewayError is a non-2xx response from the gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("sms gateway: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("sms gateway: status %d", e.StatusCode)
}

// Temporary reports whether a retry could succeed.
func (e *GatewayError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is an HTTP implementation of Sender.
type Client struct {
	url    string
	apiKey string
	sender string
	http   *http.Client
}

// NewClient creates a new Client posting to url.
func NewClient(url, apiKey, sender string, timeout time.Duration) *Client {
	return &Client{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		sender: sender,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send delivers m. Delivery is at most once per call.
func (c *Client) Send(ctx context.Context, m Message) error {
	requestBody, err := json.Marshal(struct {
		From string `json:"from,omitempty"`
		Message
	}{From: c.sender, Message: m})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/messages", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
