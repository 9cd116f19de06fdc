package credential

import (
	"net/http"
	"strings"
	"time"
)

// Header names shared by both directions of the engine contract.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIToken      = "X-Api-Token"
	HeaderOwnerID       = "X-Owner-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRole          = "X-Role"
	HeaderExpires       = "X-Credential-Expires"
	HeaderRenewedToken  = "X-Credential-Token"
)

// HeaderSet is the bundle attached to every outbound engine request.
type HeaderSet struct {
	Token         string
	OwnerID       string
	CorrelationID string
	Role          string
	ExpiresAt     time.Time
}

// Apply writes the bundle onto h. Empty optional values are omitted.
func (s HeaderSet) Apply(h http.Header) {
	h.Set(HeaderAuthorization, "Bearer "+s.Token)
	if s.OwnerID != "" {
		h.Set(HeaderOwnerID, s.OwnerID)
	}
	if s.CorrelationID != "" {
		h.Set(HeaderCorrelationID, s.CorrelationID)
	}
	if s.Role != "" {
		h.Set(HeaderRole, s.Role)
	}
	if !s.ExpiresAt.IsZero() {
		h.Set(HeaderExpires, s.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

// TokenFromRequest extracts the bearer token, falling back to X-Api-Token.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderAuthorization)); v != "" {
		parts := strings.SplitN(v, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIToken))
}
