package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/internal/sms"
	"transfer-orchestrator/backend/pkg/models"
)

// signalBody is the common part of every challenge webhook.
type signalBody struct {
	ThreadID string `json:"thread_id"`
	// Timeout is in seconds; zero or absent means no expiry.
	Timeout int `json:"timeout,omitempty"`
}

type methodSignal struct {
	signalBody
	Options []string `json:"options"`
}

type codeSignal struct {
	signalBody
	Label   string `json:"label"`
	Message string `json:"message"`
}

type confirmationSignal struct {
	signalBody
	Title   string `json:"title"`
	Message string `json:"message"`
}

type progressSignal struct {
	ThreadID string `json:"thread_id"`
	Stage    string `json:"stage"`
	Percent  int    `json:"percent"`
	Message  string `json:"message"`
}

// RegisterWebhooks mounts the engine callbacks on g. Every route requires a
// service credential carrying permission.
func (s *Server) RegisterWebhooks(g *echo.Group, creds *credential.Manager, permission string, autoRenew bool) {
	g.Use(creds.Middleware(permission, autoRenew))

	g.POST("/challenges/verification-method", s.handleMethodSignal)
	g.POST("/challenges/verification-code", s.handleCodeSignal)
	g.POST("/challenges/confirmation", s.handleConfirmationSignal)
	g.POST("/challenges/progress", s.handleProgressSignal)
	g.POST("/processes/:id/status", s.handleStatusUpdate)
	g.POST("/sms/bulk", s.handleEngineSMS)
}

func (s *Server) handleMethodSignal(c echo.Context) error {
	var body methodSignal
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return s.openChallenge(c, body.signalBody, challenge.MethodChoice{Options: body.Options})
}

func (s *Server) handleCodeSignal(c echo.Context) error {
	var body codeSignal
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return s.openChallenge(c, body.signalBody, challenge.CodeEntry{Label: body.Label, Message: body.Message})
}

func (s *Server) handleConfirmationSignal(c echo.Context) error {
	var body confirmationSignal
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return s.openChallenge(c, body.signalBody, challenge.TransferConfirmation{Title: body.Title, Message: body.Message})
}

func (s *Server) handleProgressSignal(c echo.Context) error {
	var body progressSignal
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	prompt := challenge.ProgressSnapshot{Stage: body.Stage, Percent: body.Percent, Message: body.Message}
	return s.openChallenge(c, signalBody{ThreadID: body.ThreadID}, prompt)
}

func (s *Server) openChallenge(c echo.Context, body signalBody, prompt challenge.Prompt) error {
	ctx := c.Request().Context()
	caller, _ := credential.CallerFromContext(ctx)

	processID := strings.TrimSpace(caller.CorrelationID)
	if processID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+credential.HeaderCorrelationID+" header")
	}
	owner, err := s.ownerOf(ctx, caller, processID)
	if err != nil {
		return err
	}
	if body.Timeout < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "timeout must not be negative")
	}

	ch, err := s.broker.Open(ctx, challenge.Signal{
		ProcessID: processID,
		OwnerID:   owner,
		ThreadID:  body.ThreadID,
		Prompt:    prompt,
		Timeout:   time.Duration(body.Timeout) * time.Second,
	})
	if err != nil {
		return err
	}
	if prompt.Kind() == models.ClassificationProgressSnapshot {
		return c.JSON(http.StatusAccepted, ch)
	}
	return c.JSON(http.StatusCreated, ch)
}

// ownerOf prefers the owner header and falls back to the process record.
func (s *Server) ownerOf(ctx context.Context, caller credential.Caller, processID string) (string, error) {
	p, err := s.processes.Get(ctx, "", processID)
	if err != nil {
		return "", err
	}
	if caller.OwnerID != "" && caller.OwnerID != p.OwnerID {
		return "", process.ErrNotFound
	}
	return p.OwnerID, nil
}

func (s *Server) handleStatusUpdate(c echo.Context) error {
	ctx := c.Request().Context()
	caller, _ := credential.CallerFromContext(ctx)

	var u process.Update
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if u.Status != "" && !u.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(u.Status))
	}

	p, err := s.processes.ApplyEngineUpdate(ctx, caller.OwnerID, c.Param("id"), u)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// handleEngineSMS accepts a bulk send from the engine on behalf of the owner
// named in the headers. Its rate budget is charged to the calling application.
func (s *Server) handleEngineSMS(c echo.Context) error {
	caller, _ := credential.CallerFromContext(c.Request().Context())
	if caller.OwnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+credential.HeaderOwnerID+" header")
	}
	return s.submit(c, s.sms, caller.OwnerID, caller.Identity.Application, models.BatchKindSMS, sms.ValidateItem)
}
