package repository

import (
	"context"
	"errors"
	"fmt"

	"transfer-orchestrator/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate record")
	// ErrActiveProcessExists matches ActiveProcessError via errors.Is.
	ErrActiveProcessExists = errors.New("active process already exists")
)

// ActiveProcessError reports the process that blocks a new one for the same owner.
type ActiveProcessError struct {
	OwnerID    string
	ExistingID string
}

func (e *ActiveProcessError) Error() string {
	return fmt.Sprintf("owner %s already has active process %s", e.OwnerID, e.ExistingID)
}

func (e *ActiveProcessError) Is(target error) bool { return target == ErrActiveProcessExists }

// ProcessStore persists processes. CreateProcess enforces the one-active-process
// per owner invariant and fails with *ActiveProcessError.
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *models.Process) error
	GetProcess(ctx context.Context, id string) (*models.Process, error)
	GetActiveProcess(ctx context.Context, ownerID string) (*models.Process, error)
	UpdateProcess(ctx context.Context, p *models.Process) error
	DeleteProcess(ctx context.Context, id string) error
}

// EventQuery filters progress events. Zero values match everything.
type EventQuery struct {
	ProcessID     string
	OwnerID       string
	ThreadID      string
	Status        string
	ChallengeOnly bool
	Limit         int
}

// ProgressStore is the append-only process log, which also backs challenge replay.
type ProgressStore interface {
	AppendEvent(ctx context.Context, e *models.ProgressEvent) error
	GetEvent(ctx context.Context, id string) (*models.ProgressEvent, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*models.ProgressEvent, error)
	// SetEventStatus updates status and timeout of a challenge event.
	SetEventStatus(ctx context.Context, id, status string, timeoutSeconds int) error
}

// CredentialStore persists service credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *models.Credential) error
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	GetCredentialByToken(ctx context.Context, token string) (*models.Credential, error)
	GetCredentialByApplication(ctx context.Context, application string) (*models.Credential, error)
	UpdateCredential(ctx context.Context, c *models.Credential) error
	ListCredentials(ctx context.Context) ([]*models.Credential, error)
}

// BatchStore keeps the latest background batch summary per owner.
type BatchStore interface {
	SaveBatchRecord(ctx context.Context, r *models.BatchRecord) error
	GetBatchRecord(ctx context.Context, ownerID string) (*models.BatchRecord, error)
	DeleteBatchRecord(ctx context.Context, ownerID string) error
}

// RecordSink is the persistence collaborator behind bulk imports.
type RecordSink interface {
	// ImportRecord fails with ErrDuplicate for an existing (owner, external ref)
	// and ErrNotFound when the record references an unknown entity.
	ImportRecord(ctx context.Context, r *models.ImportedRecord) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	ProcessStore
	ProgressStore
	CredentialStore
	BatchStore
	RecordSink
	Ping(ctx context.Context) error
}
