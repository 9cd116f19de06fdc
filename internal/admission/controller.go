// Package admission guards a downstream destination with a payload-size ceiling,
// a concurrency cap and a per-key fixed-window rate limit.
package admission

import (
	"context"
	"sync"
	"time"

	"transfer-orchestrator/backend/internal/observability"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Limits configures a Controller. A zero limit disables that guard.
type Limits struct {
	MaxItems      int
	MaxConcurrent int
	RateLimit     int
	RateWindow    time.Duration
}

// DefaultLimits are the limits applied to the SMS gateway.
var DefaultLimits = Limits{
	MaxItems:      5000,
	MaxConcurrent: 5,
	RateLimit:     10,
	RateWindow:    time.Minute,
}

// Release returns a concurrency slot. Calling it more than once is safe.
type Release func()

// Controller is the admission gate for one destination class.
type Controller struct {
	name    string
	limits  Limits
	store   Store
	logger  Logger
	metrics *observability.Metrics
}

// NewController creates a Controller named after its destination, e.g. "sms".
func NewController(name string, limits Limits, store Store, logger Logger, metrics *observability.Metrics) *Controller {
	if limits.RateWindow <= 0 {
		limits.RateWindow = time.Minute
	}
	return &Controller{name: name, limits: limits, store: store, logger: logger, metrics: metrics}
}

func (c *Controller) Name() string   { return c.name }
func (c *Controller) Limits() Limits { return c.limits }

// ValidatePayloadSize rejects batches above the item ceiling.
func (c *Controller) ValidatePayloadSize(n int) error {
	if c.limits.MaxItems > 0 && n > c.limits.MaxItems {
		return c.reject(context.Background(), &RejectionError{Reason: ReasonTooLarge, Limit: c.limits.MaxItems, Current: n})
	}
	return nil
}

// CheckConcurrency rejects when every slot is in use. It does not take a slot.
func (c *Controller) CheckConcurrency(ctx context.Context) error {
	if c.limits.MaxConcurrent <= 0 {
		return nil
	}
	cur, err := c.store.InFlight(ctx, c.name)
	if err != nil {
		return err
	}
	if cur >= c.limits.MaxConcurrent {
		return c.reject(ctx, &RejectionError{Reason: ReasonBusy, Limit: c.limits.MaxConcurrent, Current: cur})
	}
	return nil
}

// CheckRate charges one request to key's window.
func (c *Controller) CheckRate(ctx context.Context, key string) error {
	if c.limits.RateLimit <= 0 {
		return nil
	}
	w, ok, err := c.store.Hit(ctx, c.name+":"+key, c.limits.RateLimit, c.limits.RateWindow)
	if err != nil {
		return err
	}
	if !ok {
		return c.reject(ctx, &RejectionError{
			Reason:     ReasonRateLimited,
			Limit:      c.limits.RateLimit,
			Current:    w.Count,
			RetryAfter: w.RetryAfter,
		})
	}
	return nil
}

// Begin takes a concurrency slot. The returned Release must be called, normally
// deferred, whether or not the work succeeds.
func (c *Controller) Begin(ctx context.Context) (Release, error) {
	if c.limits.MaxConcurrent <= 0 {
		return func() {}, nil
	}
	cur, ok, err := c.store.Acquire(ctx, c.name, c.limits.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.reject(ctx, &RejectionError{Reason: ReasonBusy, Limit: c.limits.MaxConcurrent, Current: cur})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.store.Release(context.Background(), c.name); err != nil {
				c.logger.Error("failed to release admission slot", "controller", c.name, "error", err)
			}
		})
	}, nil
}

// Admit runs the size, concurrency and rate guards in that order and returns
// the reserved slot. A rate rejection gives the slot back, so rejected requests
// never hold capacity and size or concurrency rejections never cost rate budget.
func (c *Controller) Admit(ctx context.Context, key string, n int) (Release, error) {
	if err := c.ValidatePayloadSize(n); err != nil {
		return nil, err
	}
	release, err := c.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.CheckRate(ctx, key); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// InFlight returns the number of slots currently held.
func (c *Controller) InFlight(ctx context.Context) (int, error) {
	return c.store.InFlight(ctx, c.name)
}

// Run sweeps idle rate windows every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.store.Sweep(ctx)
			if err != nil {
				c.logger.Warn("admission sweep failed", "controller", c.name, "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("swept idle rate windows", "controller", c.name, "removed", n)
			}
		}
	}
}

func (c *Controller) reject(ctx context.Context, e *RejectionError) error {
	c.metrics.AdmissionRejected(ctx, c.name, string(e.Reason))
	c.logger.Info("admission rejected", "controller", c.name, "reason", e.Reason, "limit", e.Limit, "current", e.Current)
	return e
}
