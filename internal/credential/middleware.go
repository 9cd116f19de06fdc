package credential

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
)

type callerKey struct{}

// Caller describes an authenticated service request.
type Caller struct {
	Identity      Identity
	OwnerID       string
	CorrelationID string
	Role          string
}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by Middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Middleware authenticates service requests against the credential store and
// requires permission. With autoRenew set, an expired but otherwise valid token is
// rotated in place and the replacement is returned in the X-Credential-Token and
// X-Credential-Expires response headers.
//
// Errors are returned unhandled so the server's error handler can render them.
func (m *Manager) Middleware(permission string, autoRenew bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()

			id, err := m.Validate(ctx, TokenFromRequest(req), permission)
			var expired *ExpiredError
			if autoRenew && errors.As(err, &expired) {
				token, expiresAt, renewErr := m.Renew(ctx, expired.CredentialID)
				if renewErr != nil {
					m.logger.Warn("inbound credential renewal failed",
						"application", expired.Application, "error", renewErr)
					return err
				}
				c.Response().Header().Set(HeaderRenewedToken, token)
				c.Response().Header().Set(HeaderExpires, expiresAt.UTC().Format(time.RFC3339))
				id, err = m.Validate(ctx, token, permission)
			}
			if err != nil {
				m.logger.Debug("service request rejected", "path", req.URL.Path, "error", err)
				return err
			}

			caller := Caller{
				Identity:      id,
				OwnerID:       req.Header.Get(HeaderOwnerID),
				CorrelationID: req.Header.Get(HeaderCorrelationID),
				Role:          req.Header.Get(HeaderRole),
			}
			c.SetRequest(req.WithContext(WithCaller(ctx, caller)))
			return next(c)
		}
	}
}
