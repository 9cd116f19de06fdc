package admission

import (
	"context"
	"sync"
	"time"
)

// Store keeps the counters behind a Controller. Implementations must make each
// method atomic with respect to the others.
type Store interface {
	// Acquire takes one in-flight slot for key unless limit slots are already held.
	// It returns the number held after the call.
	Acquire(ctx context.Context, key string, limit int) (current int, ok bool, err error)
	// Release gives back one slot. Releasing below zero is clamped.
	Release(ctx context.Context, key string) error
	// InFlight returns the number of slots held for key.
	InFlight(ctx context.Context, key string) (int, error)
	// Hit charges one request to key's fixed window, unless the window is full.
	// A window that has elapsed is reset before counting.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Window, bool, error)
	// Sweep drops windows that have been idle for a full period and returns how
	// many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Window is the state of one rate window after a Hit.
type Window struct {
	Count      int
	Start      time.Time
	RetryAfter time.Duration
}

type rateWindow struct {
	count  int
	start  time.Time
	period time.Duration
}

// MemoryStore keeps counters in process memory. It is correct for a single
// coordinating instance only.
type MemoryStore struct {
	mu       sync.Mutex
	inFlight map[string]int
	windows  map[string]*rateWindow
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		inFlight: make(map[string]int),
		windows:  make(map[string]*rateWindow),
		now:      now,
	}
}

func (s *MemoryStore) Acquire(_ context.Context, key string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.inFlight[key]
	if limit > 0 && cur >= limit {
		return cur, false, nil
	}
	s.inFlight[key] = cur + 1
	return cur + 1, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] <= 1 {
		delete(s.inFlight, key)
		return nil
	}
	s.inFlight[key]--
	return nil
}

func (s *MemoryStore) InFlight(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[key], nil
}

func (s *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration) (Window, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &rateWindow{start: now, period: window}
		s.windows[key] = w
	}
	retry := w.start.Add(window).Sub(now)
	if limit > 0 && w.count >= limit {
		return Window{Count: w.count, Start: w.start, RetryAfter: retry}, false, nil
	}
	w.count++
	return Window{Count: w.count, Start: w.start, RetryAfter: retry}, true, nil
}

func (s *MemoryStore) Sweep(context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		if now.Sub(w.start) >= w.period {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

