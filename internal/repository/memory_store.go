package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"transfer-orchestrator/backend/pkg/models"
)

// MemoryStore is an in-process implementation of Repository for development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	processes   map[string]models.Process
	events      []models.ProgressEvent
	credentials map[string]models.Credential
	batches     map[string]models.BatchRecord
	imported    map[string]models.ImportedRecord
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes:   make(map[string]models.Process),
		events:      make([]models.ProgressEvent, 0, 128),
		credentials: make(map[string]models.Credential),
		batches:     make(map[string]models.BatchRecord),
		imported:    make(map[string]models.ImportedRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateProcess(_ context.Context, p *models.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status.Active() {
		for _, existing := range m.processes {
			if existing.OwnerID == p.OwnerID && existing.Status.Active() {
				return &ActiveProcessError{OwnerID: p.OwnerID, ExistingID: existing.ID}
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := m.processes[p.ID]; ok {
		return ErrDuplicate
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.processes[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetProcess(_ context.Context, id string) (*models.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetActiveProcess(_ context.Context, ownerID string) (*models.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		if p.OwnerID == ownerID && p.Status.Active() {
			out := p
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateProcess(_ context.Context, p *models.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[p.ID]; !ok {
		return ErrNotFound
	}
	if p.Status.Active() {
		for id, existing := range m.processes {
			if id != p.ID && existing.OwnerID == p.OwnerID && existing.Status.Active() {
				return &ActiveProcessError{OwnerID: p.OwnerID, ExistingID: id}
			}
		}
	}
	p.UpdatedAt = m.now()
	m.processes[p.ID] = *p
	return nil
}

func (m *MemoryStore) DeleteProcess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[id]; !ok {
		return ErrNotFound
	}
	delete(m.processes, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *models.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := m.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.EventStatusLogged
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*models.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			e := m.events[i]
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]*models.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ProgressEvent, 0)
	for i := range m.events {
		e := m.events[i]
		if q.ProcessID != "" && e.ProcessID != q.ProcessID {
			continue
		}
		if q.OwnerID != "" && e.OwnerID != q.OwnerID {
			continue
		}
		if q.ThreadID != "" && e.ThreadID != q.ThreadID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.ChallengeOnly && !e.Classification.Challenge() {
			continue
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *MemoryStore) SetEventStatus(_ context.Context, id, status string, timeoutSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Status = status
			m.events[i].TimeoutSeconds = timeoutSeconds
			m.events[i].UpdatedAt = m.now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateCredential(_ context.Context, c *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credentials {
		if existing.Application == c.Application || existing.Token == c.Token {
			return ErrDuplicate
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := m.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.credentials[c.ID] = cloneCredential(*c)
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneCredential(c)
	return &out, nil
}

func (m *MemoryStore) GetCredentialByToken(_ context.Context, token string) (*models.Credential, error) {
	return m.findCredential(func(c models.Credential) bool { return c.Token == token })
}

func (m *MemoryStore) GetCredentialByApplication(_ context.Context, application string) (*models.Credential, error) {
	return m.findCredential(func(c models.Credential) bool { return c.Application == application })
}

func (m *MemoryStore) findCredential(match func(models.Credential) bool) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if match(c) {
			out := cloneCredential(c)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateCredential(_ context.Context, c *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.credentials {
		if id != c.ID && existing.Token == c.Token {
			return ErrDuplicate
		}
	}
	c.UpdatedAt = m.now()
	m.credentials[c.ID] = cloneCredential(*c)
	return nil
}

func (m *MemoryStore) ListCredentials(context.Context) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		cp := cloneCredential(c)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Application < out[j].Application })
	return out, nil
}

func (m *MemoryStore) SaveBatchRecord(_ context.Context, r *models.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Failures = append([]models.ItemFailure(nil), r.Failures...)
	m.batches[r.OwnerID] = cp
	return nil
}

func (m *MemoryStore) GetBatchRecord(_ context.Context, ownerID string) (*models.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.batches[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	r.Failures = append([]models.ItemFailure(nil), r.Failures...)
	return &r, nil
}

func (m *MemoryStore) DeleteBatchRecord(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, ownerID)
	return nil
}

func (m *MemoryStore) ImportRecord(_ context.Context, r *models.ImportedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.OwnerID + "/" + r.ExternalRef
	if _, ok := m.imported[key]; ok {
		return ErrDuplicate
	}
	if r.Reference != "" {
		if _, ok := m.imported[r.OwnerID+"/"+r.Reference]; !ok {
			return ErrNotFound
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.imported[key] = *r
	return nil
}

func cloneCredential(c models.Credential) models.Credential {
	c.Permissions = append([]string(nil), c.Permissions...)
	return c
}
