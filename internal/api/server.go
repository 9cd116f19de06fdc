// Package api contains the HTTP handlers for the transfer orchestrator.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/auth"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/dispatch"
	"transfer-orchestrator/backend/internal/events"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/internal/repository"
)

const defaultKeepAlive = 15 * time.Second

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves.
type Deps struct {
	Processes  *process.Service
	Broker     *challenge.Broker
	Hub        *events.Hub
	Dispatcher *dispatch.Dispatcher
	// SMS and Imports gate the bulk endpoints of the same name.
	SMS     *admission.Controller
	Imports *admission.Controller
	Batches repository.BatchStore
	Store   Pinger
	Logger  Logger
	// KeepAlive is the interval of SSE keep-alive comments.
	KeepAlive time.Duration
	Version   string
}

// Server holds the dependencies for the API server.
type Server struct {
	processes  *process.Service
	broker     *challenge.Broker
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	sms        *admission.Controller
	imports    *admission.Controller
	batches    repository.BatchStore
	store      Pinger
	logger     Logger
	keepAlive  time.Duration
	version    string
}

// NewServer creates a new Server.
func NewServer(d Deps) *Server {
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Server{
		processes:  d.Processes,
		broker:     d.Broker,
		hub:        d.Hub,
		dispatcher: d.Dispatcher,
		sms:        d.SMS,
		imports:    d.Imports,
		batches:    d.Batches,
		store:      d.Store,
		logger:     d.Logger,
		keepAlive:  d.KeepAlive,
		version:    d.Version,
	}
}

// operatorID returns the owner id resolved by the operator auth middleware.
func operatorID(c echo.Context) (string, error) {
	op, ok := auth.OperatorFromContext(c.Request().Context())
	if !ok || op.ID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "operator not found in context")
	}
	return op.ID, nil
}
