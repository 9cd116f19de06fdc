package challenge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transfer-orchestrator/backend/pkg/models"
)

var (
	ErrNotFound        = errors.New("challenge not found")
	ErrAnswerMismatch  = errors.New("answer does not match challenge kind")
	ErrInvalidAnswer   = errors.New("invalid answer")
	ErrInvalidSignal   = errors.New("invalid challenge signal")
	ErrAlreadyExpired  = errors.New("challenge already expired")
	ErrAlreadyAnswered = errors.New("challenge already answered")
	ErrSuperseded      = errors.New("challenge superseded")
)

// Prompt is the closed set of things the engine can ask an operator.
type Prompt interface {
	Kind() models.EventClassification
	validate() error
}

// MethodChoice asks the operator to pick a verification method.
type MethodChoice struct {
	Options []string `json:"options"`
}

// CodeEntry asks the operator for a verification code.
type CodeEntry struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// TransferConfirmation asks the operator to approve a transfer.
type TransferConfirmation struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ProgressSnapshot is informational and never awaits an answer.
type ProgressSnapshot struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

func (MethodChoice) Kind() models.EventClassification {
	return models.ClassificationVerificationMethod
}

func (CodeEntry) Kind() models.EventClassification {
	return models.ClassificationVerificationCode
}

func (TransferConfirmation) Kind() models.EventClassification {
	return models.ClassificationTransferConfirm
}

func (ProgressSnapshot) Kind() models.EventClassification {
	return models.ClassificationProgressSnapshot
}

func (p MethodChoice) validate() error {
	if len(p.Options) == 0 {
		return fmt.Errorf("%w: at least one verification method is required", ErrInvalidSignal)
	}
	return nil
}

func (CodeEntry) validate() error            { return nil }
func (TransferConfirmation) validate() error { return nil }
func (ProgressSnapshot) validate() error     { return nil }

// Answer is the closed set of operator responses.
type Answer interface {
	Kind() models.EventClassification
}

type MethodAnswer struct {
	Method string `json:"verification_method"`
}

type CodeAnswer struct {
	Code string `json:"verification_code"`
}

type ConfirmationAnswer struct {
	Confirmed bool `json:"confirmation"`
}

func (MethodAnswer) Kind() models.EventClassification { return models.ClassificationVerificationMethod }
func (CodeAnswer) Kind() models.EventClassification   { return models.ClassificationVerificationCode }
func (ConfirmationAnswer) Kind() models.EventClassification {
	return models.ClassificationTransferConfirm
}

// Signal is an inbound request from the engine to open a challenge.
type Signal struct {
	ProcessID string
	OwnerID   string
	ThreadID  string
	Prompt    Prompt
	// Timeout of zero means the challenge never expires on its own.
	Timeout time.Duration
}

// Challenge is an addressable request for operator input, keyed by process
// and thread.
type Challenge struct {
	ID         string
	ProcessID  string
	OwnerID    string
	ThreadID   string
	Prompt     Prompt
	Status     string
	Timeout    time.Duration
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// Kind returns the prompt's classification.
func (c *Challenge) Kind() models.EventClassification { return c.Prompt.Kind() }

// Lapsed reports whether the challenge's TTL has run out at now.
func (c *Challenge) Lapsed(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// MarshalJSON flattens the prompt fields next to the challenge metadata, so
// the payload matches the inbound webhook shape plus server-assigned fields.
func (c *Challenge) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if c.Prompt != nil {
		raw, err := json.Marshal(c.Prompt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		fields["kind"] = c.Prompt.Kind()
	}
	fields["id"] = c.ID
	fields["process_id"] = c.ProcessID
	fields["thread_id"] = c.ThreadID
	fields["status"] = c.Status
	fields["timeout"] = int(c.Timeout / time.Second)
	fields["created_at"] = c.CreatedAt
	if !c.ExpiresAt.IsZero() {
		fields["expires_at"] = c.ExpiresAt
	}
	if c.ResolvedAt != nil {
		fields["resolved_at"] = c.ResolvedAt
	}
	return json.Marshal(fields)
}

func decodePrompt(kind models.EventClassification, payload json.RawMessage) (Prompt, error) {
	var (
		p   Prompt
		err error
	)
	switch kind {
	case models.ClassificationVerificationMethod:
		var v MethodChoice
		err = json.Unmarshal(payload, &v)
		p = v
	case models.ClassificationVerificationCode:
		var v CodeEntry
		err = json.Unmarshal(payload, &v)
		p = v
	case models.ClassificationTransferConfirm:
		var v TransferConfirmation
		err = json.Unmarshal(payload, &v)
		p = v
	case models.ClassificationProgressSnapshot:
		var v ProgressSnapshot
		err = json.Unmarshal(payload, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown challenge kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s prompt: %w", kind, err)
	}
	return p, nil
}

func fromEvent(e *models.ProgressEvent) (*Challenge, error) {
	p, err := decodePrompt(e.Classification, e.Payload)
	if err != nil {
		return nil, err
	}
	c := &Challenge{
		ID:        e.ID,
		ProcessID: e.ProcessID,
		OwnerID:   e.OwnerID,
		ThreadID:  e.ThreadID,
		Prompt:    p,
		Status:    e.Status,
		Timeout:   time.Duration(e.TimeoutSeconds) * time.Second,
		CreatedAt: e.CreatedAt,
	}
	if c.Timeout > 0 {
		c.ExpiresAt = c.CreatedAt.Add(c.Timeout)
	}
	return c, nil
}
