// Package models defines the domain models for the transfer orchestrator
package models

import (
	"encoding/json"
	"time"
)

// ProcessStatus represents the lifecycle status of a process
type ProcessStatus string

const (
	ProcessStatusPending    ProcessStatus = "pending"
	ProcessStatusProcessing ProcessStatus = "processing"
	ProcessStatusOnHold     ProcessStatus = "on_hold"
	ProcessStatusFailed     ProcessStatus = "failed"
	ProcessStatusCompleted  ProcessStatus = "completed"
)

// Active reports whether the status counts towards the one-active-process-per-owner rule.
func (s ProcessStatus) Active() bool {
	return s == ProcessStatusPending || s == ProcessStatusProcessing
}

// Terminal reports whether no further transitions are allowed.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusFailed || s == ProcessStatusCompleted
}

// Valid reports whether s is a known status.
func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessStatusPending, ProcessStatusProcessing, ProcessStatusOnHold,
		ProcessStatusFailed, ProcessStatusCompleted:
		return true
	}
	return false
}

// Process is one run of the externally executed matching/transfer job.
type Process struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Status       ProcessStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	From         *time.Time    `json:"from,omitempty"`
	To           *time.Time    `json:"to,omitempty"`
	Progress     int           `json:"progress"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// EventClassification groups progress events by what produced them
type EventClassification string

const (
	ClassificationStatus             EventClassification = "status"
	ClassificationProgress           EventClassification = "progress"
	ClassificationVerificationMethod EventClassification = "choose_verification_method"
	ClassificationVerificationCode   EventClassification = "submit_verification_code"
	ClassificationTransferConfirm    EventClassification = "confirm_transfer"
	ClassificationProgressSnapshot   EventClassification = "progress_snapshot"
	ClassificationNotice             EventClassification = "notice"
)

// Challenge reports whether events of this classification request operator input.
func (c EventClassification) Challenge() bool {
	switch c {
	case ClassificationVerificationMethod, ClassificationVerificationCode, ClassificationTransferConfirm:
		return true
	}
	return false
}

// EventStatus values used on progress events. Challenge events move from open to one
// of the terminal states; everything else is recorded as logged.
const (
	EventStatusLogged     = "logged"
	EventStatusOpen       = "open"
	EventStatusAnswered   = "answered"
	EventStatusExpired    = "expired"
	EventStatusSuperseded = "superseded"
)

// ProgressEvent is one entry of a process's append-only audit trail.
type ProgressEvent struct {
	ID             string              `json:"id"`
	ProcessID      string              `json:"process_id"`
	OwnerID        string              `json:"owner_id"`
	Stage          string              `json:"stage"`
	ThreadID       string              `json:"thread_id,omitempty"`
	Classification EventClassification `json:"classification"`
	Status         string              `json:"status"`
	TimeoutSeconds int                 `json:"timeout"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}
