package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/internal/logging"
	"transfer-orchestrator/backend/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(repository.NewMemoryStore(), logging.NewNop(), Options{
		TTL: 24 * time.Hour,
		Now: clock.Now,
	})
	return m, clock
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	c, err := m.Issue(ctx, "transfer-engine", EnginePermissions)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Token, tokenPrefix))

	id, err := m.Validate(ctx, c.Token, PermissionEngineCallback)
	require.NoError(t, err)
	assert.Equal(t, "transfer-engine", id.Application)
	assert.Equal(t, c.ID, id.CredentialID)

	_, err = m.Issue(ctx, "transfer-engine", nil)
	assert.ErrorIs(t, err, ErrDuplicateApplication)

	_, err = m.Issue(ctx, "  ", nil)
	assert.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	c, err := m.Issue(ctx, "transfer-engine", []string{PermissionEngineCallback})
	require.NoError(t, err)

	tests := []struct {
		name       string
		token      string
		permission string
		want       error
	}{
		{name: "missing", token: "", want: ErrMissingToken},
		{name: "unknown", token: "cred_nope", want: ErrInvalidToken},
		{name: "lacks permission", token: c.Token, permission: PermissionSMSBulk, want: ErrInsufficientPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Validate(ctx, tt.token, tt.permission)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("expired", func(t *testing.T) {
		clock.Advance(25 * time.Hour)
		_, err := m.Validate(ctx, c.Token, "")
		assert.ErrorIs(t, err, ErrExpired)
		var expired *ExpiredError
		require.True(t, errors.As(err, &expired))
		assert.Equal(t, c.ID, expired.CredentialID)
	})

	t.Run("revoked", func(t *testing.T) {
		require.NoError(t, m.Revoke(ctx, c.ID))
		_, err := m.Validate(ctx, c.Token, "")
		assert.ErrorIs(t, err, ErrRevoked)
	})
}

func TestRenewRotatesToken(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	c, err := m.Issue(ctx, "transfer-engine", EnginePermissions)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	token, expiresAt, err := m.Renew(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.Token, token)
	assert.Equal(t, clock.Now().Add(24*time.Hour), expiresAt)

	_, err = m.Validate(ctx, c.Token, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = m.Validate(ctx, token, PermissionEngineCallback)
	assert.NoError(t, err)

	_, _, err = m.Renew(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	c, err := m.Issue(ctx, "transfer-engine", nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, c.ID))
	require.NoError(t, m.Revoke(ctx, c.ID))

	_, _, err = m.Renew(ctx, c.ID)
	assert.ErrorIs(t, err, ErrCannotRenewRevoked)
	assert.ErrorIs(t, m.Revoke(ctx, "missing"), ErrNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Revoked)
}

func TestPrepareOutboundHeaders(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	hs, err := m.PrepareOutboundHeaders(ctx, "owner-1", "corr-1", "admin")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", hs.OwnerID)

	// lazily issued with relay permission
	id, err := m.Validate(ctx, hs.Token, PermissionEngineRelay)
	require.NoError(t, err)
	assert.Equal(t, "control-plane", id.Application)

	again, err := m.PrepareOutboundHeaders(ctx, "owner-2", "", "")
	require.NoError(t, err)
	assert.Equal(t, hs.Token, again.Token)

	clock.Advance(25 * time.Hour)
	renewed, err := m.PrepareOutboundHeaders(ctx, "owner-1", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, hs.Token, renewed.Token)
	assert.True(t, renewed.ExpiresAt.After(clock.Now()))

	h := http.Header{}
	renewed.Apply(h)
	assert.Equal(t, "Bearer "+renewed.Token, h.Get(HeaderAuthorization))
	assert.Equal(t, "owner-1", h.Get(HeaderOwnerID))
	assert.Empty(t, h.Get(HeaderRole))
	assert.NotEmpty(t, h.Get(HeaderExpires))
}

func TestPrepareOutboundHeadersRevoked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	c, err := m.Issue(ctx, "control-plane", InternalPermissions)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, c.ID))

	_, err = m.PrepareOutboundHeaders(ctx, "owner-1", "", "")
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderAPIToken, "xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	c, err := m.Issue(ctx, "transfer-engine", EnginePermissions)
	require.NoError(t, err)

	e := echo.New()
	var seen Caller
	handler := m.Middleware(PermissionEngineCallback, true)(func(c echo.Context) error {
		seen, _ = CallerFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	serve := func(token string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/engine/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(HeaderOwnerID, "owner-9")
		req.Header.Set(HeaderCorrelationID, "corr-9")
		rec := httptest.NewRecorder()
		return rec, handler(e.NewContext(req, rec))
	}

	t.Run("valid", func(t *testing.T) {
		rec, err := serve(c.Token)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "owner-9", seen.OwnerID)
		assert.Equal(t, "corr-9", seen.CorrelationID)
		assert.Equal(t, "transfer-engine", seen.Identity.Application)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := serve("cred_bogus")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired is renewed in place", func(t *testing.T) {
		clock.Advance(25 * time.Hour)
		rec, err := serve(c.Token)
		require.NoError(t, err)
		renewed := rec.Header().Get(HeaderRenewedToken)
		require.NotEmpty(t, renewed)
		assert.NotEqual(t, c.Token, renewed)
		assert.NotEmpty(t, rec.Header().Get(HeaderExpires))

		_, err = m.Validate(ctx, renewed, PermissionEngineCallback)
		assert.NoError(t, err)
	})
}

func TestMiddlewareWithoutAutoRenew(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	c, err := m.Issue(ctx, "transfer-engine", EnginePermissions)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	e := echo.New()
	handler := m.Middleware(PermissionEngineCallback, false)(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+c.Token)
	rec := httptest.NewRecorder()
	err = handler(e.NewContext(req, rec))
	assert.ErrorIs(t, err, ErrExpired)
	assert.Empty(t, rec.Header().Get(HeaderRenewedToken))
}
