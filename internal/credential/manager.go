// Package credential issues, validates and rotates the opaque bearer tokens used
// between the control plane and the external engine, in both directions.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

const (
	tokenPrefix    = "cred_"
	defaultTTL     = 90 * 24 * time.Hour
	cacheRefresh   = time.Minute
	defaultAppName = "control-plane"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Identity is what a validated token resolves to.
type Identity struct {
	CredentialID string
	Application  string
	Permissions  []string
	ExpiresAt    time.Time
}

// Options configures a Manager.
type Options struct {
	// TTL is the lifetime granted on issue and on every renewal.
	TTL time.Duration
	// InternalApplication names the credential the control plane uses for its
	// own outbound calls.
	InternalApplication string
	Now                 func() time.Time
}

// Manager owns the credential lifecycle. It is constructed once at startup and
// shared by the webhook middleware and every outbound engine call.
type Manager struct {
	store       repository.CredentialStore
	logger      Logger
	ttl         time.Duration
	internalApp string
	now         func() time.Time

	mu       sync.Mutex
	cached   *models.Credential
	cachedAt time.Time
}

// NewManager creates a Manager backed by store.
func NewManager(store repository.CredentialStore, logger Logger, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.InternalApplication == "" {
		opts.InternalApplication = defaultAppName
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:       store,
		logger:      logger,
		ttl:         opts.TTL,
		internalApp: opts.InternalApplication,
		now:         opts.Now,
	}
}

// InternalApplication returns the name of the control plane's outbound credential.
func (m *Manager) InternalApplication() string { return m.internalApp }

// Issue registers a new application and returns its credential.
func (m *Manager) Issue(ctx context.Context, application string, permissions []string) (*models.Credential, error) {
	application = strings.TrimSpace(application)
	if application == "" {
		return nil, errors.New("application name is required")
	}
	if _, err := m.store.GetCredentialByApplication(ctx, application); err == nil {
		return nil, ErrDuplicateApplication
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup application: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	c := &models.Credential{
		Application: application,
		Token:       token,
		ExpiresAt:   m.now().Add(m.ttl),
		Permissions: append([]string(nil), permissions...),
	}
	if err := m.store.CreateCredential(ctx, c); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateApplication
		}
		return nil, fmt.Errorf("create credential: %w", err)
	}
	m.logger.Info("credential issued", "application", application, "credential_id", c.ID, "expires_at", c.ExpiresAt)
	return c, nil
}

// Validate resolves token to an Identity. When requiredPermission is non-empty the
// credential must have been granted it.
func (m *Manager) Validate(ctx context.Context, token, requiredPermission string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	c, err := m.store.GetCredentialByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("lookup token: %w", err)
	}
	if c.Revoked {
		return Identity{}, ErrRevoked
	}
	if !m.now().Before(c.ExpiresAt) {
		return Identity{}, &ExpiredError{CredentialID: c.ID, Application: c.Application}
	}
	if requiredPermission != "" && !c.HasPermission(requiredPermission) {
		return Identity{}, &PermissionError{Application: c.Application, Required: requiredPermission}
	}
	return identityOf(c), nil
}

// Renew replaces the credential's token and extends its expiry. The previous
// token stops validating immediately.
func (m *Manager) Renew(ctx context.Context, id string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.renewLocked(ctx, id)
	if err != nil {
		return "", time.Time{}, err
	}
	return c.Token, c.ExpiresAt, nil
}

func (m *Manager) renewLocked(ctx context.Context, id string) (*models.Credential, error) {
	c, err := m.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if c.Revoked {
		return nil, ErrCannotRenewRevoked
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	c.Token = token
	c.ExpiresAt = m.now().Add(m.ttl)
	if err := m.store.UpdateCredential(ctx, c); err != nil {
		return nil, fmt.Errorf("store renewed credential: %w", err)
	}
	if m.cached != nil && m.cached.ID == c.ID {
		m.cached = nil
	}
	m.logger.Info("credential renewed", "application", c.Application, "credential_id", c.ID, "expires_at", c.ExpiresAt)
	return c, nil
}

// Revoke permanently disables a credential. Revoking twice is not an error.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load credential: %w", err)
	}
	if m.cached != nil && m.cached.ID == id {
		m.cached = nil
	}
	if c.Revoked {
		return nil
	}
	c.Revoked = true
	if err := m.store.UpdateCredential(ctx, c); err != nil {
		return fmt.Errorf("store revoked credential: %w", err)
	}
	m.logger.Info("credential revoked", "application", c.Application, "credential_id", c.ID)
	return nil
}

// List returns every registered credential.
func (m *Manager) List(ctx context.Context) ([]*models.Credential, error) {
	return m.store.ListCredentials(ctx)
}

// PrepareOutboundHeaders returns the header bundle the control plane sends to the
// engine. The internal credential is issued on first use and renewed when expired.
func (m *Manager) PrepareOutboundHeaders(ctx context.Context, ownerID, correlationID, role string) (HeaderSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c := m.cached
	if c == nil || !c.Usable(now) || now.Sub(m.cachedAt) > cacheRefresh {
		var err error
		c, err = m.resolveInternalLocked(ctx)
		if err != nil {
			return HeaderSet{}, err
		}
		m.cached = c
		m.cachedAt = now
	}

	return HeaderSet{
		Token:         c.Token,
		OwnerID:       ownerID,
		CorrelationID: correlationID,
		Role:          role,
		ExpiresAt:     c.ExpiresAt,
	}, nil
}

func (m *Manager) resolveInternalLocked(ctx context.Context) (*models.Credential, error) {
	c, err := m.store.GetCredentialByApplication(ctx, m.internalApp)
	if errors.Is(err, repository.ErrNotFound) {
		m.logger.Info("issuing internal credential", "application", m.internalApp)
		return m.Issue(ctx, m.internalApp, InternalPermissions)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup internal credential: %w", err)
	}
	if c.Revoked {
		return nil, fmt.Errorf("internal application %q: %w", m.internalApp, ErrRevoked)
	}
	if !c.Usable(m.now()) {
		m.logger.Warn("internal credential expired, renewing", "application", m.internalApp, "credential_id", c.ID)
		return m.renewLocked(ctx, c.ID)
	}
	return c, nil
}

func identityOf(c *models.Credential) Identity {
	return Identity{
		CredentialID: c.ID,
		Application:  c.Application,
		Permissions:  append([]string(nil), c.Permissions...),
		ExpiresAt:    c.ExpiresAt,
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
