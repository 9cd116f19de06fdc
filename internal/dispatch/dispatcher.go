// Package dispatch runs bulk, side-effecting batches outside the request cycle.
// Admission happens synchronously in Submit; the batch itself reports only
// through a summary notification and the persisted BatchRecord.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/notify"
	"transfer-orchestrator/backend/internal/observability"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

// finishTimeout bounds persisting the record of a finished batch.
const finishTimeout = 10 * time.Second

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Notifier is satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, n notify.Notification)
}

// ItemHandler processes a single batch item.
type ItemHandler interface {
	Handle(ctx context.Context, ownerID string, item json.RawMessage) error
}

// ItemHandlerFunc adapts a function to ItemHandler.
type ItemHandlerFunc func(ctx context.Context, ownerID string, item json.RawMessage) error

func (f ItemHandlerFunc) Handle(ctx context.Context, ownerID string, item json.RawMessage) error {
	return f(ctx, ownerID, item)
}

// Limits bounds how much background work is accepted.
type Limits struct {
	OwnerCooldown   time.Duration
	OwnerConcurrent int
	MaxConcurrent   int
	// DailyVolume caps accepted items per UTC day across all owners.
	DailyVolume int
	ChunkSize   int
	ChunkPause  time.Duration
	// ItemRetries is how often a failed item is retried unless the handler
	// marked the failure Permanent.
	ItemRetries int
	RetryDelay  time.Duration
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		OwnerCooldown:   time.Minute,
		OwnerConcurrent: 1,
		MaxConcurrent:   10,
		DailyVolume:     50000,
		ChunkSize:       100,
		ChunkPause:      50 * time.Millisecond,
		ItemRetries:     2,
		RetryDelay:      200 * time.Millisecond,
	}
}

// Batch is a unit of background work.
type Batch struct {
	OwnerID string
	Kind    models.BatchKind
	Items   []json.RawMessage
	// OnDone runs once after the batch has finished and its summary was
	// recorded. It is not called when Submit rejects the batch.
	OnDone func()
}

// Status of a batch handle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Handle supervises one accepted batch.
type Handle struct {
	ID    string
	Owner string
	Kind  models.BatchKind
	Total int

	processed atomic.Int64
	status    atomic.Value
	cancel    context.CancelFunc
	done      chan struct{}
}

// Status returns the batch's current status.
func (h *Handle) Status() Status { return h.status.Load().(Status) }

// Processed returns how many items have been attempted so far.
func (h *Handle) Processed() int { return int(h.processed.Load()) }

// Cancel stops the batch before its next chunk. Items not yet attempted are
// recorded as failures.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the batch has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Dispatcher accepts batches and runs them in their own goroutines.
type Dispatcher struct {
	store    repository.BatchStore
	notifier Notifier
	logger   Logger
	metrics  *observability.Metrics
	limits   Limits
	now      func() time.Time

	mu        sync.Mutex
	handlers  map[models.BatchKind]ItemHandler
	running   map[string]*Handle
	perOwner  map[string]int
	lastStart map[string]time.Time
	day       string
	dayVolume int
	wg        sync.WaitGroup
}

// New creates a Dispatcher. Zero limits fall back to DefaultLimits; now may be nil.
func New(store repository.BatchStore, notifier Notifier, logger Logger, metrics *observability.Metrics, limits Limits, now func() time.Time) *Dispatcher {
	def := DefaultLimits()
	if limits.OwnerConcurrent <= 0 {
		limits.OwnerConcurrent = def.OwnerConcurrent
	}
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = def.MaxConcurrent
	}
	if limits.DailyVolume <= 0 {
		limits.DailyVolume = def.DailyVolume
	}
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = def.ChunkSize
	}
	if limits.ItemRetries < 0 {
		limits.ItemRetries = 0
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		limits:    limits,
		now:       now,
		handlers:  make(map[models.BatchKind]ItemHandler),
		running:   make(map[string]*Handle),
		perOwner:  make(map[string]int),
		lastStart: make(map[string]time.Time),
	}
}

// Register installs the handler for kind, replacing any previous one.
func (d *Dispatcher) Register(kind models.BatchKind, h ItemHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Submit admits b and starts it in the background. Rejections are returned as
// *admission.RejectionError before any item is touched.
func (d *Dispatcher) Submit(ctx context.Context, b Batch) (*Handle, error) {
	if len(b.Items) == 0 {
		return nil, ErrEmptyBatch
	}

	d.mu.Lock()
	handler, ok := d.handlers[b.Kind]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, b.Kind)
	}
	now := d.now()
	if err := d.admitLocked(b, now); err != nil {
		d.mu.Unlock()
		d.metrics.AdmissionRejected(ctx, "dispatch", string(err.Reason))
		d.logger.Warn("batch rejected", "owner_id", b.OwnerID, "kind", b.Kind, "reason", err.Reason, "items", len(b.Items))
		return nil, err
	}

	// detached from the request, which returns as soon as the batch is accepted
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		ID:     uuid.NewString(),
		Owner:  b.OwnerID,
		Kind:   b.Kind,
		Total:  len(b.Items),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.status.Store(StatusRunning)
	d.running[h.ID] = h
	d.perOwner[b.OwnerID]++
	d.lastStart[b.OwnerID] = now
	d.dayVolume += len(b.Items)
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("batch accepted", "batch_id", h.ID, "owner_id", b.OwnerID, "kind", b.Kind, "items", h.Total)
	go d.run(runCtx, h, handler, b)
	return h, nil
}

// admitLocked runs the synchronous checks in order: global concurrent cap,
// owner concurrent cap, owner cooldown, daily volume.
func (d *Dispatcher) admitLocked(b Batch, now time.Time) *admission.RejectionError {
	if n := len(d.running); n >= d.limits.MaxConcurrent {
		return &admission.RejectionError{Reason: admission.ReasonBusy, Limit: d.limits.MaxConcurrent, Current: n}
	}
	if n := d.perOwner[b.OwnerID]; n >= d.limits.OwnerConcurrent {
		return &admission.RejectionError{Reason: admission.ReasonBusy, Limit: d.limits.OwnerConcurrent, Current: n}
	}
	if last, ok := d.lastStart[b.OwnerID]; ok && d.limits.OwnerCooldown > 0 {
		if wait := last.Add(d.limits.OwnerCooldown).Sub(now); wait > 0 {
			return &admission.RejectionError{Reason: admission.ReasonCooldown, Limit: 1, RetryAfter: wait}
		}
	}
	if day := now.UTC().Format(time.DateOnly); day != d.day {
		d.day = day
		d.dayVolume = 0
	}
	if d.dayVolume+len(b.Items) > d.limits.DailyVolume {
		return &admission.RejectionError{Reason: admission.ReasonDailyVolume, Limit: d.limits.DailyVolume, Current: d.dayVolume}
	}
	return nil
}

// Get returns the handle of a running batch.
func (d *Dispatcher) Get(id string) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.running[id]
	return h, ok
}

// Running returns the number of batches in flight.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every running batch has finished or ctx is done. On
// context expiry the remaining batches are canceled.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		for _, h := range d.running {
			h.Cancel()
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, h *Handle, handler ItemHandler, b Batch) {
	defer d.wg.Done()
	defer h.cancel()

	rec := &models.BatchRecord{
		ID:        h.ID,
		OwnerID:   h.Owner,
		Kind:      h.Kind,
		Total:     h.Total,
		Failures:  []models.ItemFailure{},
		StartedAt: d.now(),
	}
	status := StatusCompleted

	for start := 0; start < len(b.Items); start += d.limits.ChunkSize {
		if start > 0 && !d.pause(ctx) {
			status = StatusCanceled
		}
		if status == StatusCanceled || ctx.Err() != nil {
			status = StatusCanceled
			for i := start; i < len(b.Items); i++ {
				rec.Failures = append(rec.Failures, models.ItemFailure{Index: i, Item: b.Items[i], Reason: "canceled"})
			}
			break
		}
		end := min(start+d.limits.ChunkSize, len(b.Items))
		for i := start; i < end; i++ {
			err := d.process(ctx, handler, h.Owner, b.Items[i])
			h.processed.Add(1)
			d.metrics.BatchItem(ctx, string(h.Kind), err == nil)
			if err != nil {
				d.logger.Debug("batch item failed", "batch_id", h.ID, "index", i, "error", err)
				rec.Failures = append(rec.Failures, models.ItemFailure{Index: i, Item: b.Items[i], Reason: err.Error()})
				continue
			}
			rec.Succeeded++
		}
	}
	rec.FinishedAt = d.now()

	d.finish(ctx, h, rec, status)
	if b.OnDone != nil {
		b.OnDone()
	}
}

// process runs one item with retries. A panic counts as a permanent failure.
func (d *Dispatcher) process(ctx context.Context, handler ItemHandler, ownerID string, item json.RawMessage) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = safeHandle(ctx, handler, ownerID, item)
		if err == nil || IsPermanent(err) || attempt >= d.limits.ItemRetries {
			return err
		}
		if d.limits.RetryDelay > 0 {
			t := time.NewTimer(d.limits.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
	}
}

func safeHandle(ctx context.Context, handler ItemHandler, ownerID string, item json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(&panicError{value: r})
		}
	}()
	return handler.Handle(ctx, ownerID, item)
}

// pause yields between chunks. It returns false if ctx was canceled meanwhile.
func (d *Dispatcher) pause(ctx context.Context) bool {
	if d.limits.ChunkPause <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d.limits.ChunkPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// finish persists the record and reports the outcome. ctx is the batch's own
// context, which is already done for a canceled batch.
func (d *Dispatcher) finish(ctx context.Context, h *Handle, rec *models.BatchRecord, status Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := d.store.SaveBatchRecord(ctx, rec); err != nil {
		d.logger.Error("failed to persist batch record", "batch_id", h.ID, "owner_id", h.Owner, "error", err)
	}

	d.mu.Lock()
	delete(d.running, h.ID)
	if d.perOwner[h.Owner]--; d.perOwner[h.Owner] <= 0 {
		delete(d.perOwner, h.Owner)
	}
	d.mu.Unlock()

	h.status.Store(status)
	close(h.done)

	d.notifier.Notify(ctx, h.Owner, summary(rec, status))
	d.logger.Info("batch finished", "batch_id", h.ID, "owner_id", h.Owner, "kind", h.Kind,
		"status", status, "succeeded", rec.Succeeded, "failed", len(rec.Failures))
}

func summary(rec *models.BatchRecord, status Status) notify.Notification {
	failed := len(rec.Failures)
	n := notify.Notification{
		Level:   notify.LevelSuccess,
		Title:   fmt.Sprintf("%s batch finished", rec.Kind),
		Message: fmt.Sprintf("%d of %d items succeeded", rec.Succeeded, rec.Total),
		Data: map[string]any{
			"batch_id":  rec.ID,
			"kind":      rec.Kind,
			"total":     rec.Total,
			"succeeded": rec.Succeeded,
			"failed":    failed,
			"status":    status,
		},
	}
	switch {
	case status == StatusCanceled:
		n.Level = notify.LevelWarning
		n.Title = fmt.Sprintf("%s batch canceled", rec.Kind)
	case failed > 0 && rec.Succeeded == 0:
		n.Level = notify.LevelError
	case failed > 0:
		n.Level = notify.LevelWarning
	}
	if failed > 0 {
		n.Message += fmt.Sprintf(", %d failed", failed)
	}
	return n
}
