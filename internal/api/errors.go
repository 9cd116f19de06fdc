package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/dispatch"
	"transfer-orchestrator/backend/internal/engine"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/internal/repository"
)

// ProblemDetails represents an RFC 7807 Problem Details response, extended
// with a machine readable reason and the limit that was hit.
type ProblemDetails struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Status            int    `json:"status"`
	Detail            string `json:"detail"`
	Instance          string `json:"instance,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	Current           int    `json:"current,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ExistingProcessID string `json:"existing_process_id,omitempty"`
}

// Problem builds the problem document for err.
func Problem(err error) ProblemDetails {
	p := ProblemDetails{Type: "about:blank", Status: http.StatusInternalServerError, Detail: err.Error()}

	var (
		httpErr   *echo.HTTPError
		rejection *admission.RejectionError
		active    *repository.ActiveProcessError
		guard     *process.RejectedError
		upstream  *engine.UpstreamError
	)
	switch {
	case errors.As(err, &httpErr):
		p.Status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			p.Detail = msg
		}
		if httpErr.Code == http.StatusBadRequest {
			p.Reason = "validation"
		}

	case errors.Is(err, credential.ErrInsufficientPermission):
		p.Status, p.Reason = http.StatusForbidden, "insufficient_permission"
	case errors.Is(err, credential.ErrMissingToken),
		errors.Is(err, credential.ErrInvalidToken):
		p.Status, p.Reason = http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, credential.ErrExpired):
		p.Status, p.Reason = http.StatusUnauthorized, "credential_expired"
	case errors.Is(err, credential.ErrRevoked):
		p.Status, p.Reason = http.StatusUnauthorized, "credential_revoked"

	case errors.As(err, &active):
		p.Status, p.Reason = http.StatusConflict, "active_process_exists"
		p.ExistingProcessID = active.ExistingID
	case errors.Is(err, credential.ErrDuplicateApplication):
		p.Status, p.Reason = http.StatusConflict, "duplicate_application"

	case errors.As(err, &rejection):
		p.Reason = string(rejection.Reason)
		p.Limit = rejection.Limit
		p.Current = rejection.Current
		p.RetryAfterSeconds = int(math.Ceil(rejection.RetryAfter.Seconds()))
		switch rejection.Reason {
		case admission.ReasonTooLarge:
			p.Status = http.StatusRequestEntityTooLarge
		case admission.ReasonBusy:
			p.Status = http.StatusServiceUnavailable
		default:
			p.Status = http.StatusTooManyRequests
		}

	case errors.As(err, &guard):
		p.Status, p.Reason = http.StatusBadRequest, guard.Code
	case errors.Is(err, process.ErrInvalidParams),
		errors.Is(err, challenge.ErrInvalidAnswer),
		errors.Is(err, challenge.ErrInvalidSignal),
		errors.Is(err, dispatch.ErrEmptyBatch),
		errors.Is(err, dispatch.ErrUnknownKind):
		p.Status, p.Reason = http.StatusBadRequest, "validation"
	case errors.Is(err, challenge.ErrAnswerMismatch):
		p.Status, p.Reason = http.StatusBadRequest, "answer_mismatch"

	case errors.Is(err, challenge.ErrAlreadyExpired):
		p.Status, p.Reason = http.StatusGone, "challenge_expired"
	case errors.Is(err, challenge.ErrAlreadyAnswered):
		p.Status, p.Reason = http.StatusConflict, "challenge_answered"
	case errors.Is(err, challenge.ErrSuperseded):
		p.Status, p.Reason = http.StatusConflict, "challenge_superseded"

	case errors.As(err, &upstream):
		p.Status, p.Reason = http.StatusBadGateway, "upstream"

	case errors.Is(err, process.ErrNotFound),
		errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, credential.ErrNotFound),
		errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, repository.ErrNotFound):
		p.Status, p.Reason = http.StatusNotFound, "not_found"
	}

	p.Title = http.StatusText(p.Status)
	if p.Status == http.StatusInternalServerError {
		p.Detail = "internal server error"
	}
	return p
}

// HTTPErrorHandler renders every error returned by a handler or middleware as
// application/problem+json.
func HTTPErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := Problem(err)
		p.Instance = c.Request().URL.Path
		if p.Status >= http.StatusInternalServerError && p.Status != http.StatusServiceUnavailable {
			logger.Error("request failed", "method", c.Request().Method, "path", p.Instance, "status", p.Status, "error", err)
		} else {
			logger.Debug("request rejected", "path", p.Instance, "status", p.Status, "reason", p.Reason, "error", err)
		}
		if p.RetryAfterSeconds > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(p.RetryAfterSeconds))
		}
		writeProblem(c, p)
	}
}

func writeProblem(c echo.Context, p ProblemDetails) {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(p.Status)
	_ = json.NewEncoder(c.Response()).Encode(p)
}
