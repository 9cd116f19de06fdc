package models

import (
	"encoding/json"
	"time"
)

// BatchKind identifies which item handler runs a background batch
type BatchKind string

const (
	BatchKindSMS    BatchKind = "sms"
	BatchKindImport BatchKind = "import"
)

// ItemFailure records why one batch item could not be processed.
type ItemFailure struct {
	Index  int             `json:"index"`
	Item   json.RawMessage `json:"item"`
	Reason string          `json:"reason"`
}

// BatchRecord is the persisted summary of a finished background batch. Only the
// latest record per owner is kept.
type BatchRecord struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"owner_id"`
	Kind       BatchKind     `json:"kind"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failures   []ItemFailure `json:"failures"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ImportedRecord is a record accepted by the bulk import pipeline.
type ImportedRecord struct {
	OwnerID     string          `json:"owner_id"`
	ExternalRef string          `json:"external_ref"`
	Reference   string          `json:"reference,omitempty"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"created_at"`
}
