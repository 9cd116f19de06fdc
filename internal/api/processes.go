package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/process"
)

const maxEventLimit = 500

// StartProcess creates a process for the operator and hands it to the engine.
// (POST /api/v1/processes)
func (s *Server) StartProcess(c echo.Context) error {
	ctx := c.Request().Context()
	owner, err := operatorID(c)
	if err != nil {
		return err
	}

	var params process.StartParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	p, err := s.processes.Start(ctx, owner, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// GetActiveProcess returns the operator's pending or processing process.
// (GET /api/v1/processes/active)
func (s *Server) GetActiveProcess(c echo.Context) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	p, err := s.processes.Active(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// GetProcess returns one of the operator's processes.
// (GET /api/v1/processes/{id})
func (s *Server) GetProcess(c echo.Context, id string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	p, err := s.processes.Get(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// ListProcessEvents returns the audit trail of a process, oldest first.
// (GET /api/v1/processes/{id}/events)
func (s *Server) ListProcessEvents(c echo.Context, id string, params ListProcessEventsParams) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	limit := 0
	if params.Limit != nil {
		if *params.Limit < 0 || *params.Limit > maxEventLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 0 and 500")
		}
		limit = *params.Limit
	}
	evs, err := s.processes.Events(c.Request().Context(), owner, id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, evs)
}

// HoldProcess puts a process on hold.
// (POST /api/v1/processes/{id}/hold)
func (s *Server) HoldProcess(c echo.Context, id string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	p, err := s.processes.RequestHold(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// ResumeProcess re-dispatches a held or pending process. The request body, if
// any, is forwarded to the engine untouched.
// (POST /api/v1/processes/{id}/resume)
func (s *Server) ResumeProcess(c echo.Context, id string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}

	var payload json.RawMessage
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: malformed JSON")
		}
		payload = body
	}

	p, err := s.processes.Resume(c.Request().Context(), owner, id, payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

// TerminateProcess stops a held process and marks it failed.
// (POST /api/v1/processes/{id}/terminate)
func (s *Server) TerminateProcess(c echo.Context, id string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	p, err := s.processes.Terminate(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
