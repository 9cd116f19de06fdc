package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/engine"
	"transfer-orchestrator/backend/internal/notify"
	"transfer-orchestrator/backend/internal/observability"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

// DefaultActionCooldown is the minimum interval between hold/resume calls on
// one process.
const DefaultActionCooldown = 10 * time.Second

// Engine is the subset of the engine client the service drives.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) error
	Status(ctx context.Context, ownerID, processID string) (*engine.Status, error)
	Resume(ctx context.Context, ownerID, processID string, payload json.RawMessage) error
	Terminate(ctx context.Context, ownerID, processID string) error
}

// Notifier delivers best-effort user notifications.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, n notify.Notification)
}

// Store persists processes and their audit trail.
type Store interface {
	repository.ProcessStore
	repository.ProgressStore
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StartParams are the operator-supplied parameters of a new process.
type StartParams struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Update is a status or progress report from the engine.
type Update struct {
	Status   models.ProcessStatus `json:"status,omitempty"`
	Progress *int                 `json:"progress,omitempty"`
	Stage    string               `json:"stage,omitempty"`
	Message  string               `json:"message,omitempty"`
}

// Options configures a Service.
type Options struct {
	ActionCooldown time.Duration
	Now            func() time.Time
}

// Service is the job state machine. The persisted process record is the single
// source of truth; the service holds only cooldown limiters.
type Service struct {
	store    Store
	engine   Engine
	notifier Notifier
	logger   Logger
	metrics  *observability.Metrics
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a Service.
func NewService(store Store, eng Engine, notifier Notifier, logger Logger, metrics *observability.Metrics, opts Options) *Service {
	if opts.ActionCooldown <= 0 {
		opts.ActionCooldown = DefaultActionCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		engine:   eng,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		cooldown: opts.ActionCooldown,
		now:      opts.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start creates a pending process for ownerID and hands it to the engine. If
// the handoff fails the record is deleted and the upstream error returned.
func (s *Service) Start(ctx context.Context, ownerID string, params StartParams) (*models.Process, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidParams)
	}
	if params.From != nil && params.To != nil && params.To.Before(*params.From) {
		return nil, fmt.Errorf("%w: to must not be before from", ErrInvalidParams)
	}

	p := &models.Process{
		OwnerID: ownerID,
		Status:  models.ProcessStatusPending,
		From:    params.From,
		To:      params.To,
	}
	if err := s.store.CreateProcess(ctx, p); err != nil {
		var active *repository.ActiveProcessError
		if errors.As(err, &active) {
			s.logger.Info("start rejected, owner has an active process", "owner_id", ownerID, "existing_id", active.ExistingID)
		}
		return nil, err
	}

	err := s.engine.Start(ctx, engine.StartRequest{
		ProcessID: p.ID,
		OwnerID:   ownerID,
		From:      params.From,
		To:        params.To,
	})
	if err != nil {
		s.logger.Error("engine handoff failed, removing process", "process_id", p.ID, "owner_id", ownerID, "error", err)
		if delErr := s.store.DeleteProcess(ctx, p.ID); delErr != nil && !errors.Is(delErr, repository.ErrNotFound) {
			s.logger.Error("failed to remove process after handoff failure", "process_id", p.ID, "error", delErr)
		}
		s.notifier.Notify(ctx, ownerID, notify.Notification{
			Level:   notify.LevelError,
			Title:   "Process could not be started",
			Message: "The transfer engine did not accept the process. Please try again.",
		})
		return nil, err
	}

	if err := s.transition(ctx, p, models.ProcessStatusProcessing, ActorEngine, "dispatched"); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, ownerID, notify.Notification{
		Level:     notify.LevelInfo,
		Title:     "Process started",
		Message:   "Account matching has started.",
		ProcessID: p.ID,
	})
	return p, nil
}

// RequestHold puts a process on hold. Holding a job the engine reports as
// running is rejected with CodeProcessRunning.
func (s *Service) RequestHold(ctx context.Context, ownerID, id string) (*models.Process, error) {
	p, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := CanHold(HoldContext{ProcessID: id, Status: p.Status}).Error(); err != nil {
		return nil, err
	}
	if err := s.checkCooldown(id); err != nil {
		return nil, err
	}

	st, err := s.engine.Status(ctx, p.OwnerID, id)
	if err != nil {
		return nil, err
	}
	if err := CanHold(HoldContext{ProcessID: id, Status: p.Status, EngineChecked: true, EngineRunning: st.IsRunning}).Error(); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, p, models.ProcessStatusOnHold, ActorOperator, "held by operator"); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, p.OwnerID, notify.Notification{
		Level:     notify.LevelInfo,
		Title:     "Process on hold",
		Message:   "The process has been put on hold.",
		ProcessID: id,
	})
	return p, nil
}

// Resume re-dispatches a held or pending process. A 409 from the engine means
// it is already processing the job: the owner is told, and the local status is
// reconciled against the engine once. Any other failure rolls the process back
// to pending so a retry remains possible.
func (s *Service) Resume(ctx context.Context, ownerID, id string, payload json.RawMessage) (*models.Process, error) {
	p, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := CanResume(ResumeContext{ProcessID: id, Status: p.Status}).Error(); err != nil {
		return nil, err
	}
	if err := s.checkCooldown(id); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, p, models.ProcessStatusProcessing, ActorOperator, "resumed by operator"); err != nil {
		return nil, err
	}

	err = s.engine.Resume(ctx, p.OwnerID, id, payload)
	switch {
	case err == nil:
		s.notifier.Notify(ctx, p.OwnerID, notify.Notification{
			Level:     notify.LevelSuccess,
			Title:     "Process resumed",
			Message:   "The process has been resumed.",
			ProcessID: id,
		})
		return p, nil

	case errors.Is(err, engine.ErrConflict):
		s.logger.Info("engine already processing resumed job", "process_id", id)
		s.notifier.Notify(ctx, p.OwnerID, notify.Notification{
			Level:     notify.LevelInfo,
			Title:     "Already processing",
			Message:   "The engine is already processing this job.",
			ProcessID: id,
		})
		s.reconcile(ctx, p)
		return p, nil

	default:
		s.logger.Warn("resume failed, rolling back to pending", "process_id", id, "error", err)
		if rbErr := s.transition(ctx, p, models.ProcessStatusPending, ActorEngine, "resume failed"); rbErr != nil {
			s.logger.Error("failed to roll back process", "process_id", id, "error", rbErr)
		}
		s.notifier.Notify(ctx, p.OwnerID, notify.Notification{
			Level:     notify.LevelError,
			Title:     "Resume failed",
			Message:   "The process could not be resumed and is pending again.",
			ProcessID: id,
		})
		return nil, err
	}
}

// reconcile reads the engine's status once after a resume conflict and moves
// the process back to pending if the engine is in fact idle.
func (s *Service) reconcile(ctx context.Context, p *models.Process) {
	st, err := s.engine.Status(ctx, p.OwnerID, p.ID)
	if err != nil {
		s.logger.Warn("reconciliation status read failed", "process_id", p.ID, "error", err)
		return
	}
	if st.IsRunning {
		return
	}
	if err := s.transition(ctx, p, models.ProcessStatusPending, ActorEngine, "engine idle after resume conflict"); err != nil {
		s.logger.Error("failed to reconcile process", "process_id", p.ID, "error", err)
	}
}

// Terminate stops a process on the engine and marks it failed.
func (s *Service) Terminate(ctx context.Context, ownerID, id string) (*models.Process, error) {
	p, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := CanTerminate(TerminateContext{ProcessID: id, Status: p.Status}).Error(); err != nil {
		return nil, err
	}
	if err := s.engine.Terminate(ctx, p.OwnerID, id); err != nil {
		return nil, err
	}
	prev := *p
	p.StatusReason = "terminated"
	if err := s.transition(ctx, p, models.ProcessStatusFailed, ActorOperator, "terminated"); err != nil {
		*p = prev
		return nil, err
	}
	s.notifier.Notify(ctx, p.OwnerID, notify.Notification{
		Level:     notify.LevelWarning,
		Title:     "Process terminated",
		Message:   "The process was terminated.",
		ProcessID: id,
	})
	return p, nil
}

// ApplyEngineUpdate records a status or progress report from the engine.
// Terminal processes still accept progress records but never change status.
func (s *Service) ApplyEngineUpdate(ctx context.Context, ownerID, id string, u Update) (*models.Process, error) {
	p, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if u.Status != "" && u.Status != p.Status {
		if err := CanTransition(TransitionContext{ProcessID: id, From: p.Status, To: u.Status, Actor: ActorEngine}).Error(); err != nil {
			return nil, err
		}
		prev := *p
		if u.Progress != nil {
			p.Progress = clampPercent(*u.Progress)
		}
		if u.Status == models.ProcessStatusCompleted {
			p.Progress = 100
		}
		p.StatusReason = u.Message
		if err := s.transition(ctx, p, u.Status, ActorEngine, u.Stage); err != nil {
			*p = prev
			return nil, err
		}
		s.notifier.Notify(ctx, p.OwnerID, statusNotification(p))
		return p, nil
	}

	if u.Progress != nil && !p.Status.Terminal() {
		p.Progress = clampPercent(*u.Progress)
		if err := s.store.UpdateProcess(ctx, p); err != nil {
			return nil, err
		}
	}
	s.record(ctx, p, models.ClassificationProgress, u.Stage, map[string]any{
		"progress": u.Progress,
		"message":  u.Message,
	})
	return p, nil
}

// Get returns a process. A non-empty ownerID must match the process owner.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*models.Process, error) {
	return s.load(ctx, ownerID, id)
}

// Active returns the owner's pending or processing process.
func (s *Service) Active(ctx context.Context, ownerID string) (*models.Process, error) {
	p, err := s.store.GetActiveProcess(ctx, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active process for owner %s", ErrNotFound, ownerID)
	}
	return p, err
}

// Events returns the process's audit trail, newest last.
func (s *Service) Events(ctx context.Context, ownerID, id string, limit int) ([]*models.ProgressEvent, error) {
	if _, err := s.load(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, repository.EventQuery{ProcessID: id, Limit: limit})
}

func (s *Service) load(ctx context.Context, ownerID, id string) (*models.Process, error) {
	p, err := s.store.GetProcess(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && ownerID != "" && p.OwnerID != ownerID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (s *Service) transition(ctx context.Context, p *models.Process, to models.ProcessStatus, actor Actor, stage string) error {
	from := p.Status
	if err := CanTransition(TransitionContext{ProcessID: p.ID, From: from, To: to, Actor: actor}).Error(); err != nil {
		return err
	}
	p.Status = to
	if err := s.store.UpdateProcess(ctx, p); err != nil {
		p.Status = from
		return err
	}
	if to.Terminal() {
		s.forgetCooldown(p.ID)
	}
	s.metrics.ProcessTransition(ctx, string(from), string(to))
	s.logger.Info("process transition", "process_id", p.ID, "owner_id", p.OwnerID, "from", from, "to", to, "actor", actor)
	s.record(ctx, p, models.ClassificationStatus, stage, map[string]any{
		"from":  from,
		"to":    to,
		"actor": actor,
	})
	return nil
}

// record appends an audit event. Failures are logged only.
func (s *Service) record(ctx context.Context, p *models.Process, class models.EventClassification, stage string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode progress event", "process_id", p.ID, "error", err)
		return
	}
	e := &models.ProgressEvent{
		ProcessID:      p.ID,
		OwnerID:        p.OwnerID,
		Stage:          stage,
		Classification: class,
		Status:         models.EventStatusLogged,
		Payload:        data,
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.logger.Warn("failed to append progress event", "process_id", p.ID, "error", err)
	}
}

// checkCooldown enforces the minimum interval between hold/resume calls.
// Callers run it after their status guard so a rejected call is not charged.
func (s *Service) checkCooldown(id string) error {
	now := s.now()
	s.mu.Lock()
	lim, ok := s.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cooldown), 1)
		s.limiters[id] = lim
	}
	s.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &admission.RejectionError{Reason: admission.ReasonCooldown, Limit: 1, RetryAfter: delay}
	}
	return nil
}

func (s *Service) forgetCooldown(id string) {
	s.mu.Lock()
	delete(s.limiters, id)
	s.mu.Unlock()
}

func statusNotification(p *models.Process) notify.Notification {
	n := notify.Notification{ProcessID: p.ID, Message: p.StatusReason}
	switch p.Status {
	case models.ProcessStatusCompleted:
		n.Level, n.Title = notify.LevelSuccess, "Process completed"
	case models.ProcessStatusFailed:
		n.Level, n.Title = notify.LevelError, "Process failed"
	case models.ProcessStatusOnHold:
		n.Level, n.Title = notify.LevelWarning, "Process on hold"
	case models.ProcessStatusPending:
		n.Level, n.Title = notify.LevelInfo, "Process waiting"
	default:
		n.Level, n.Title = notify.LevelInfo, "Process running"
	}
	if n.Message == "" {
		n.Message = fmt.Sprintf("Status changed to %s.", p.Status)
	}
	return n
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
