// Package challenge turns asynchronous engine requests for operator input into
// addressable, time-boxed challenges and relays the answers back to the engine.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"transfer-orchestrator/backend/internal/events"
	"transfer-orchestrator/backend/internal/observability"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

// Relay forwards answers to the engine. *engine.Client satisfies it.
type Relay interface {
	SubmitVerificationMethod(ctx context.Context, ownerID, processID, threadID, method string) error
	SubmitVerificationCode(ctx context.Context, ownerID, processID, threadID, code string) error
	SubmitConfirmation(ctx context.Context, ownerID, processID, threadID string, confirmed bool) error
}

// Publisher is satisfied by *events.Hub.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type key struct {
	processID string
	threadID  string
}

type entry struct {
	ch        *Challenge
	timer     *time.Timer
	answering bool
}

// Broker holds the set of open challenges. At most one challenge per
// (process, thread) is open at any time.
type Broker struct {
	store   repository.ProgressStore
	relay   Relay
	pub     Publisher
	logger  Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[key]*entry
}

// NewBroker creates a Broker. now may be nil.
func NewBroker(store repository.ProgressStore, relay Relay, pub Publisher, logger Logger, metrics *observability.Metrics, now func() time.Time) *Broker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Broker{
		store:   store,
		relay:   relay,
		pub:     pub,
		logger:  logger,
		metrics: metrics,
		now:     now,
		active:  make(map[key]*entry),
	}
}

// Open records and publishes a signal from the engine. Any open challenge on
// the same thread is superseded, and its close published, before the new one
// becomes visible. Progress snapshots are published and logged but never
// become answerable.
func (b *Broker) Open(ctx context.Context, sig Signal) (*Challenge, error) {
	if strings.TrimSpace(sig.ProcessID) == "" || strings.TrimSpace(sig.ThreadID) == "" {
		return nil, fmt.Errorf("%w: process and thread ids are required", ErrInvalidSignal)
	}
	if sig.Prompt == nil {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidSignal)
	}
	if err := sig.Prompt.validate(); err != nil {
		return nil, err
	}
	if sig.Timeout < 0 {
		sig.Timeout = 0
	}

	if _, ok := sig.Prompt.(ProgressSnapshot); ok {
		return b.snapshot(ctx, sig)
	}

	k := key{sig.ProcessID, sig.ThreadID}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.supersedeLocked(ctx, k); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(sig.Prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	e := &models.ProgressEvent{
		ProcessID:      sig.ProcessID,
		OwnerID:        sig.OwnerID,
		Stage:          string(sig.Prompt.Kind()),
		ThreadID:       sig.ThreadID,
		Classification: sig.Prompt.Kind(),
		Status:         models.EventStatusOpen,
		TimeoutSeconds: int(sig.Timeout / time.Second),
		Payload:        payload,
		CreatedAt:      b.now(),
	}
	if err := b.store.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("record challenge: %w", err)
	}

	c := &Challenge{
		ID:        e.ID,
		ProcessID: sig.ProcessID,
		OwnerID:   sig.OwnerID,
		ThreadID:  sig.ThreadID,
		Prompt:    sig.Prompt,
		Status:    models.EventStatusOpen,
		Timeout:   sig.Timeout,
		CreatedAt: e.CreatedAt,
	}
	if sig.Timeout > 0 {
		c.ExpiresAt = c.CreatedAt.Add(sig.Timeout)
	}
	ent := &entry{ch: c}
	b.active[k] = ent
	b.armLocked(k, ent, sig.Timeout)

	b.publish(c, string(c.Kind()))
	b.metrics.ChallengeTransition(ctx, string(c.Kind()), models.EventStatusOpen)
	b.logger.Info("challenge opened", "challenge_id", c.ID, "process_id", c.ProcessID, "thread_id", c.ThreadID, "kind", c.Kind(), "timeout", sig.Timeout)
	return c, nil
}

func (b *Broker) snapshot(ctx context.Context, sig Signal) (*Challenge, error) {
	payload, err := json.Marshal(sig.Prompt)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snap := sig.Prompt.(ProgressSnapshot)
	e := &models.ProgressEvent{
		ProcessID:      sig.ProcessID,
		OwnerID:        sig.OwnerID,
		Stage:          snap.Stage,
		ThreadID:       sig.ThreadID,
		Classification: models.ClassificationProgressSnapshot,
		Status:         models.EventStatusLogged,
		Payload:        payload,
		CreatedAt:      b.now(),
	}
	if err := b.store.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}
	c := &Challenge{
		ID:        e.ID,
		ProcessID: sig.ProcessID,
		OwnerID:   sig.OwnerID,
		ThreadID:  sig.ThreadID,
		Prompt:    snap,
		Status:    models.EventStatusLogged,
		CreatedAt: e.CreatedAt,
	}
	b.publish(c, events.NameProgressSnapshot)
	return c, nil
}

// supersedeLocked closes every open challenge on k, live or only in the log.
func (b *Broker) supersedeLocked(ctx context.Context, k key) error {
	if prior, ok := b.active[k]; ok {
		if prior.timer != nil {
			prior.timer.Stop()
		}
		delete(b.active, k)
	}

	open, err := b.store.ListEvents(ctx, repository.EventQuery{
		ProcessID:     k.processID,
		ThreadID:      k.threadID,
		Status:        models.EventStatusOpen,
		ChallengeOnly: true,
	})
	if err != nil {
		return fmt.Errorf("load open challenges: %w", err)
	}
	for _, e := range open {
		if err := b.store.SetEventStatus(ctx, e.ID, models.EventStatusSuperseded, e.TimeoutSeconds); err != nil {
			return fmt.Errorf("supersede challenge %s: %w", e.ID, err)
		}
		c, err := fromEvent(e)
		if err != nil {
			b.logger.Warn("undecodable challenge superseded", "challenge_id", e.ID, "error", err)
			continue
		}
		b.resolve(c, models.EventStatusSuperseded)
		b.publish(c, events.NameChallengeClosed)
		b.metrics.ChallengeTransition(ctx, string(c.Kind()), models.EventStatusSuperseded)
		b.logger.Info("challenge superseded", "challenge_id", c.ID, "process_id", c.ProcessID, "thread_id", c.ThreadID)
	}
	return nil
}

func (b *Broker) armLocked(k key, ent *entry, d time.Duration) {
	if d <= 0 {
		ent.timer = nil
		return
	}
	id := ent.ch.ID
	ent.timer = time.AfterFunc(d, func() { b.expire(k, id) })
}

// expire fires from a challenge's timer.
func (b *Broker) expire(k key, id string) {
	b.mu.Lock()
	ent, ok := b.active[k]
	if !ok || ent.ch.ID != id || ent.answering {
		b.mu.Unlock()
		return
	}
	delete(b.active, k)
	b.mu.Unlock()

	b.markExpired(context.Background(), ent.ch)
}

func (b *Broker) markExpired(ctx context.Context, c *Challenge) {
	if err := b.store.SetEventStatus(ctx, c.ID, models.EventStatusExpired, int(c.Timeout/time.Second)); err != nil {
		b.logger.Error("failed to record challenge expiry", "challenge_id", c.ID, "error", err)
	}
	b.resolve(c, models.EventStatusExpired)
	b.publish(c, events.NameChallengeClosed)
	b.metrics.ChallengeTransition(ctx, string(c.Kind()), models.EventStatusExpired)
	b.logger.Info("challenge expired", "challenge_id", c.ID, "process_id", c.ProcessID, "thread_id", c.ThreadID)
}

// Answer resolves an open challenge and relays the answer to the engine. If
// the relay fails the challenge is reinstated with whatever TTL it has left.
func (b *Broker) Answer(ctx context.Context, ownerID, processID, threadID string, ans Answer) (*Challenge, error) {
	if ans == nil {
		return nil, fmt.Errorf("%w: answer is required", ErrInvalidAnswer)
	}
	k := key{processID, threadID}

	b.mu.Lock()
	ent, ok := b.active[k]
	if !ok || (ownerID != "" && ent.ch.OwnerID != ownerID) {
		b.mu.Unlock()
		return nil, b.resolvedError(ctx, ownerID, k)
	}
	if ent.answering {
		b.mu.Unlock()
		return nil, ErrAlreadyAnswered
	}
	c := ent.ch
	if ans.Kind() != c.Kind() {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot answer %s", ErrAnswerMismatch, ans.Kind(), c.Kind())
	}
	if err := validateAnswer(c.Prompt, ans); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if c.Lapsed(b.now()) {
		if ent.timer != nil {
			ent.timer.Stop()
		}
		delete(b.active, k)
		b.mu.Unlock()
		b.markExpired(ctx, c)
		return nil, ErrAlreadyExpired
	}
	ent.answering = true
	if ent.timer != nil {
		ent.timer.Stop()
	}
	b.mu.Unlock()

	if err := b.forward(ctx, c, ans); err != nil {
		b.logger.Warn("answer relay failed, reinstating challenge", "challenge_id", c.ID, "error", err)
		b.reinstate(k, ent)
		return nil, err
	}

	b.mu.Lock()
	if cur, ok := b.active[k]; !ok || cur != ent {
		// superseded while the relay was in flight; that is its terminal state
		b.mu.Unlock()
		b.logger.Warn("challenge superseded during answer relay", "challenge_id", c.ID, "process_id", c.ProcessID, "thread_id", c.ThreadID)
		return nil, ErrSuperseded
	}
	// persisted before the entry is released so late answers see it as answered
	if err := b.store.SetEventStatus(ctx, c.ID, models.EventStatusAnswered, 0); err != nil {
		b.logger.Error("failed to record answered challenge", "challenge_id", c.ID, "error", err)
	}
	delete(b.active, k)
	b.mu.Unlock()
	c.Timeout = 0
	b.resolve(c, models.EventStatusAnswered)
	b.publish(c, events.NameChallengeClosed)
	b.metrics.ChallengeTransition(ctx, string(c.Kind()), models.EventStatusAnswered)
	b.logger.Info("challenge answered", "challenge_id", c.ID, "process_id", c.ProcessID, "thread_id", c.ThreadID)
	return c, nil
}

func (b *Broker) forward(ctx context.Context, c *Challenge, ans Answer) error {
	switch a := ans.(type) {
	case MethodAnswer:
		return b.relay.SubmitVerificationMethod(ctx, c.OwnerID, c.ProcessID, c.ThreadID, a.Method)
	case CodeAnswer:
		return b.relay.SubmitVerificationCode(ctx, c.OwnerID, c.ProcessID, c.ThreadID, a.Code)
	case ConfirmationAnswer:
		return b.relay.SubmitConfirmation(ctx, c.OwnerID, c.ProcessID, c.ThreadID, a.Confirmed)
	default:
		return fmt.Errorf("%w: unsupported answer %T", ErrInvalidAnswer, ans)
	}
}

func (b *Broker) reinstate(k key, ent *entry) {
	b.mu.Lock()
	cur, ok := b.active[k]
	if !ok || cur != ent {
		// superseded while the relay was in flight
		b.mu.Unlock()
		return
	}
	ent.answering = false
	if ent.ch.ExpiresAt.IsZero() {
		b.mu.Unlock()
		return
	}
	remaining := ent.ch.ExpiresAt.Sub(b.now())
	if remaining > 0 {
		b.armLocked(k, ent, remaining)
		b.mu.Unlock()
		return
	}
	delete(b.active, k)
	b.mu.Unlock()
	b.markExpired(context.Background(), ent.ch)
}

// resolvedError explains why no open challenge exists for k, using the log.
func (b *Broker) resolvedError(ctx context.Context, ownerID string, k key) error {
	evs, err := b.store.ListEvents(ctx, repository.EventQuery{
		ProcessID:     k.processID,
		ThreadID:      k.threadID,
		OwnerID:       ownerID,
		ChallengeOnly: true,
		Limit:         1,
	})
	if err != nil {
		return fmt.Errorf("load challenge: %w", err)
	}
	if len(evs) == 0 {
		return ErrNotFound
	}
	switch evs[0].Status {
	case models.EventStatusAnswered:
		return ErrAlreadyAnswered
	case models.EventStatusExpired:
		return ErrAlreadyExpired
	case models.EventStatusSuperseded:
		return ErrSuperseded
	}
	c, err := fromEvent(evs[0])
	if err == nil && c.Lapsed(b.now()) {
		return ErrAlreadyExpired
	}
	return ErrNotFound
}

// Snapshot returns the open challenges for an owner, optionally limited to one
// process, rebuilt from the progress-event log.
func (b *Broker) Snapshot(ctx context.Context, ownerID, processID string) ([]*Challenge, error) {
	evs, err := b.store.ListEvents(ctx, repository.EventQuery{
		OwnerID:       ownerID,
		ProcessID:     processID,
		Status:        models.EventStatusOpen,
		ChallengeOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load open challenges: %w", err)
	}
	now := b.now()
	latest := make(map[key]*Challenge, len(evs))
	order := make([]key, 0, len(evs))
	for _, e := range evs {
		c, err := fromEvent(e)
		if err != nil {
			b.logger.Warn("skipping undecodable challenge", "challenge_id", e.ID, "error", err)
			continue
		}
		if c.Lapsed(now) {
			continue
		}
		k := key{c.ProcessID, c.ThreadID}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = c
	}
	out := make([]*Challenge, 0, len(latest))
	for _, k := range order {
		out = append(out, latest[k])
	}
	slices.SortFunc(out, func(x, y *Challenge) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return out, nil
}

// Recover re-arms timers for challenges left open in the log by a previous
// run and expires those already past due. It returns how many were re-armed.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	evs, err := b.store.ListEvents(ctx, repository.EventQuery{
		Status:        models.EventStatusOpen,
		ChallengeOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("load open challenges: %w", err)
	}

	now := b.now()
	var lapsed []*Challenge
	rearmed := 0

	b.mu.Lock()
	for _, e := range evs {
		c, err := fromEvent(e)
		if err != nil {
			b.logger.Warn("skipping undecodable challenge", "challenge_id", e.ID, "error", err)
			continue
		}
		if c.Lapsed(now) {
			lapsed = append(lapsed, c)
			continue
		}
		k := key{c.ProcessID, c.ThreadID}
		if prior, ok := b.active[k]; ok {
			if !prior.ch.CreatedAt.Before(c.CreatedAt) {
				continue
			}
			if prior.timer != nil {
				prior.timer.Stop()
			}
		}
		ent := &entry{ch: c}
		b.active[k] = ent
		var remaining time.Duration
		if !c.ExpiresAt.IsZero() {
			remaining = c.ExpiresAt.Sub(now)
		}
		b.armLocked(k, ent, remaining)
		rearmed++
	}
	b.mu.Unlock()

	for _, c := range lapsed {
		b.markExpired(ctx, c)
	}
	if rearmed > 0 || len(lapsed) > 0 {
		b.logger.Info("recovered open challenges", "rearmed", rearmed, "expired", len(lapsed))
	}
	return rearmed, nil
}

// OpenCount returns the number of live challenges.
func (b *Broker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Stop cancels every pending timer.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ent := range b.active {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
}

// Event renders c as a push-channel event under the given name.
func Event(c *Challenge, name string) events.Event {
	data, err := json.Marshal(c)
	if err != nil {
		data = nil
	}
	return events.Event{
		Name:      name,
		OwnerID:   c.OwnerID,
		ProcessID: c.ProcessID,
		ThreadID:  c.ThreadID,
		Data:      data,
	}
}

func (b *Broker) publish(c *Challenge, name string) {
	b.pub.Publish(Event(c, name))
}

func (b *Broker) resolve(c *Challenge, status string) {
	now := b.now()
	c.Status = status
	c.ResolvedAt = &now
}

func validateAnswer(p Prompt, ans Answer) error {
	switch a := ans.(type) {
	case MethodAnswer:
		choice, _ := p.(MethodChoice)
		if !slices.Contains(choice.Options, a.Method) {
			return fmt.Errorf("%w: %q is not one of the offered methods", ErrInvalidAnswer, a.Method)
		}
	case CodeAnswer:
		if strings.TrimSpace(a.Code) == "" {
			return fmt.Errorf("%w: verification code is required", ErrInvalidAnswer)
		}
	}
	return nil
}

// IsResolved reports whether err means the challenge can no longer be answered.
func IsResolved(err error) bool {
	return errors.Is(err, ErrAlreadyAnswered) || errors.Is(err, ErrAlreadyExpired) || errors.Is(err, ErrSuperseded)
}
