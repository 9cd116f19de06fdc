package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"transfer-orchestrator/backend/internal/dispatch"
)

var (
	// ErrInvalidPhone is returned for numbers that are not valid E.164.
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrNotObject    = errors.New("record must be a JSON object")
	ErrMissingPhone = errors.New("phone is required")
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

var phoneNoise = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone strips common separators and validates the result as E.164.
// A leading "00" international prefix is rewritten to "+".
func NormalizePhone(raw string) (string, error) {
	p := phoneNoise.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(p, "00") {
		p = "+" + p[2:]
	}
	if !e164.MatchString(p) {
		return "", ErrInvalidPhone
	}
	return p, nil
}

// Sender is satisfied by *Client.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Item is one entry of a bulk SMS batch.
type Item struct {
	Phone   string `json:"phone"`
	Message string `json:"message,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ValidateItem checks the shape of a bulk record before the batch is admitted:
// it must be an object with a non-blank phone. Number format is checked per
// item when the batch runs.
func ValidateItem(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	var item Item
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return fmt.Errorf("malformed record: %w", err)
	}
	if strings.TrimSpace(item.Phone) == "" {
		return ErrMissingPhone
	}
	return nil
}

// Handler sends batch items through a Sender.
type Handler struct {
	sender         Sender
	defaultMessage string
}

// NewHandler returns a dispatch.ItemHandler for models.BatchKindSMS. Items
// without a message get defaultMessage.
func NewHandler(sender Sender, defaultMessage string) *Handler {
	return &Handler{sender: sender, defaultMessage: defaultMessage}
}

func (h *Handler) Handle(ctx context.Context, _ string, raw json.RawMessage) error {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return dispatch.Permanentf("malformed item: %v", err)
	}
	to, err := NormalizePhone(item.Phone)
	if err != nil {
		return dispatch.Permanentf("%v: %q", err, item.Phone)
	}
	body := strings.TrimSpace(item.Message)
	if body == "" {
		body = h.defaultMessage
	}
	if body == "" {
		return dispatch.Permanentf("message is required")
	}

	err = h.sender.Send(ctx, Message{To: to, Body: body})
	var gw *GatewayError
	if errors.As(err, &gw) && !gw.Temporary() {
		return dispatch.Permanent(err)
	}
	return err
}
