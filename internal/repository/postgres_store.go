package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"transfer-orchestrator/backend/pkg/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	pgUniqueViolation     = "23505"
	activeProcessIndex    = "processes_one_active_per_owner"
	processColumns        = "id, owner_id, status, status_reason, date_from, date_to, progress, created_at, updated_at"
	eventColumns          = "id, process_id, owner_id, stage, thread_id, classification, status, timeout_seconds, payload, created_at, updated_at"
	credentialColumns     = "id, application, token, expires_at, revoked, permissions, created_at, updated_at"
	batchRecordColumns    = "id, owner_id, kind, total, succeeded, failures, started_at, finished_at"
	challengeClassFilter  = "classification IN ('choose_verification_method', 'submit_verification_code', 'confirm_transfer')"
)

// Migrate applies the embedded goose migrations to the database behind pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*models.Process, error) {
	var p models.Process
	var status string
	err := row.Scan(&p.ID, &p.OwnerID, &status, &p.StatusReason, &p.From, &p.To, &p.Progress, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Status = models.ProcessStatus(status)
	return &p, nil
}

// CreateProcess inserts a process; the partial unique index rejects a second active one.
func (s *PostgresStore) CreateProcess(ctx context.Context, p *models.Process) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO processes (id, owner_id, status, status_reason, date_from, date_to, progress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		p.ID, p.OwnerID, string(p.Status), p.StatusReason, p.From, p.To, p.Progress,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return s.processConflict(ctx, p.OwnerID, err)
}

func (s *PostgresStore) GetProcess(ctx context.Context, id string) (*models.Process, error) {
	return scanProcess(s.db.QueryRow(ctx, "SELECT "+processColumns+" FROM processes WHERE id = $1", id))
}

func (s *PostgresStore) GetActiveProcess(ctx context.Context, ownerID string) (*models.Process, error) {
	return scanProcess(s.db.QueryRow(ctx,
		"SELECT "+processColumns+" FROM processes WHERE owner_id = $1 AND status IN ('pending', 'processing') LIMIT 1",
		ownerID))
}

func (s *PostgresStore) UpdateProcess(ctx context.Context, p *models.Process) error {
	err := s.db.QueryRow(ctx,
		`UPDATE processes SET status = $1, status_reason = $2, date_from = $3, date_to = $4, progress = $5, updated_at = now()
		 WHERE id = $6 RETURNING updated_at`,
		string(p.Status), p.StatusReason, p.From, p.To, p.Progress, p.ID,
	).Scan(&p.UpdatedAt)
	return s.processConflict(ctx, p.OwnerID, notFound(err))
}

func (s *PostgresStore) DeleteProcess(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM processes WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// processConflict turns a violation of the active-process index into *ActiveProcessError.
func (s *PostgresStore) processConflict(ctx context.Context, ownerID string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	if pgErr.ConstraintName != activeProcessIndex {
		return ErrDuplicate
	}
	conflict := &ActiveProcessError{OwnerID: ownerID}
	if existing, getErr := s.GetActiveProcess(ctx, ownerID); getErr == nil {
		conflict.ExistingID = existing.ID
	}
	return conflict
}

func scanEvent(row rowScanner) (*models.ProgressEvent, error) {
	var e models.ProgressEvent
	var classification string
	var payload []byte
	err := row.Scan(&e.ID, &e.ProcessID, &e.OwnerID, &e.Stage, &e.ThreadID, &classification,
		&e.Status, &e.TimeoutSeconds, &payload, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.Classification = models.EventClassification(classification)
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *models.ProgressEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.EventStatusLogged
	}
	var payload []byte
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}
	var createdAt *time.Time
	if !e.CreatedAt.IsZero() {
		createdAt = &e.CreatedAt
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO progress_events (id, process_id, owner_id, stage, thread_id, classification, status, timeout_seconds, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now())) RETURNING created_at, updated_at`,
		e.ID, e.ProcessID, e.OwnerID, e.Stage, e.ThreadID, string(e.Classification), e.Status, e.TimeoutSeconds, payload, createdAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.ProgressEvent, error) {
	return scanEvent(s.db.QueryRow(ctx, "SELECT "+eventColumns+" FROM progress_events WHERE id = $1", id))
}

func (s *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]*models.ProgressEvent, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.ProcessID != "" {
		add("process_id = $%d", q.ProcessID)
	}
	if q.OwnerID != "" {
		add("owner_id = $%d", q.OwnerID)
	}
	if q.ThreadID != "" {
		add("thread_id = $%d", q.ThreadID)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if q.ChallengeOnly {
		where = append(where, challengeClassFilter)
	}

	query := "SELECT " + eventColumns + " FROM progress_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Limit > 0 {
		// newest N, returned oldest first
		args = append(args, q.Limit)
		query = fmt.Sprintf("SELECT * FROM (%s ORDER BY created_at DESC LIMIT $%d) recent ORDER BY created_at ASC", query, len(args))
	} else {
		query += " ORDER BY created_at ASC"
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.ProgressEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) SetEventStatus(ctx context.Context, id, status string, timeoutSeconds int) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE progress_events SET status = $1, timeout_seconds = $2, updated_at = now() WHERE id = $3",
		status, timeoutSeconds, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.Application, &c.Token, &c.ExpiresAt, &c.Revoked, &c.Permissions, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	perms := c.Permissions
	if perms == nil {
		perms = []string{}
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO credentials (id, application, token, expires_at, revoked, permissions)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		c.ID, c.Application, c.Token, c.ExpiresAt, c.Revoked, perms,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return duplicate(err)
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	return scanCredential(s.db.QueryRow(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE id = $1", id))
}

func (s *PostgresStore) GetCredentialByToken(ctx context.Context, token string) (*models.Credential, error) {
	return scanCredential(s.db.QueryRow(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE token = $1", token))
}

func (s *PostgresStore) GetCredentialByApplication(ctx context.Context, application string) (*models.Credential, error) {
	return scanCredential(s.db.QueryRow(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE application = $1", application))
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, c *models.Credential) error {
	err := s.db.QueryRow(ctx,
		`UPDATE credentials SET token = $1, expires_at = $2, revoked = $3, permissions = $4, updated_at = now()
		 WHERE id = $5 RETURNING updated_at`,
		c.Token, c.ExpiresAt, c.Revoked, c.Permissions, c.ID,
	).Scan(&c.UpdatedAt)
	return duplicate(notFound(err))
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	rows, err := s.db.Query(ctx, "SELECT "+credentialColumns+" FROM credentials ORDER BY application")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveBatchRecord upserts the owner's batch summary, replacing any previous one.
func (s *PostgresStore) SaveBatchRecord(ctx context.Context, r *models.BatchRecord) error {
	failures, err := json.Marshal(r.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	if r.Failures == nil {
		failures = []byte("[]")
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO batch_records (owner_id, id, kind, total, succeeded, failures, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (owner_id) DO UPDATE SET
		   id = EXCLUDED.id, kind = EXCLUDED.kind, total = EXCLUDED.total, succeeded = EXCLUDED.succeeded,
		   failures = EXCLUDED.failures, started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		r.OwnerID, r.ID, string(r.Kind), r.Total, r.Succeeded, failures, r.StartedAt, r.FinishedAt)
	return err
}

func (s *PostgresStore) GetBatchRecord(ctx context.Context, ownerID string) (*models.BatchRecord, error) {
	var r models.BatchRecord
	var kind string
	var failures []byte
	err := s.db.QueryRow(ctx, "SELECT "+batchRecordColumns+" FROM batch_records WHERE owner_id = $1", ownerID).
		Scan(&r.ID, &r.OwnerID, &kind, &r.Total, &r.Succeeded, &failures, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Kind = models.BatchKind(kind)
	if err := json.Unmarshal(failures, &r.Failures); err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) DeleteBatchRecord(ctx context.Context, ownerID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM batch_records WHERE owner_id = $1", ownerID)
	return err
}

func (s *PostgresStore) ImportRecord(ctx context.Context, r *models.ImportedRecord) error {
	if r.Reference != "" {
		var exists bool
		err := s.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM imported_records WHERE owner_id = $1 AND external_ref = $2)",
			r.OwnerID, r.Reference).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	var data []byte
	if len(r.Data) > 0 {
		data = []byte(r.Data)
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO imported_records (owner_id, external_ref, reference, data)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		r.OwnerID, r.ExternalRef, r.Reference, data,
	).Scan(&r.CreatedAt)
	return duplicate(err)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}
