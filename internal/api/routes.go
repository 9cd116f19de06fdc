package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ListProcessEventsParams defines parameters for ListProcessEvents.
type ListProcessEventsParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ListOpenChallengesParams defines parameters for ListOpenChallenges.
type ListOpenChallengesParams struct {
	ProcessId *string `form:"process_id,omitempty" json:"process_id,omitempty"`
}

// StreamParams defines parameters for Stream.
type StreamParams struct {
	Replay *bool `form:"replay,omitempty" json:"replay,omitempty"`
}

// ServerInterface represents all operator API operations of openapi.yaml.
type ServerInterface interface {
	// (POST /processes)
	StartProcess(ctx echo.Context) error
	// (GET /processes/active)
	GetActiveProcess(ctx echo.Context) error
	// (GET /processes/{id})
	GetProcess(ctx echo.Context, id string) error
	// (GET /processes/{id}/events)
	ListProcessEvents(ctx echo.Context, id string, params ListProcessEventsParams) error
	// (POST /processes/{id}/hold)
	HoldProcess(ctx echo.Context, id string) error
	// (POST /processes/{id}/resume)
	ResumeProcess(ctx echo.Context, id string) error
	// (POST /processes/{id}/terminate)
	TerminateProcess(ctx echo.Context, id string) error
	// (GET /challenges/open)
	ListOpenChallenges(ctx echo.Context, params ListOpenChallengesParams) error
	// (POST /challenges/{process_id}/{thread_id}/answer)
	AnswerChallenge(ctx echo.Context, processId string, threadId string) error
	// (GET /stream)
	Stream(ctx echo.Context, params StreamParams) error
	// (POST /sms/bulk)
	SubmitSMSBatch(ctx echo.Context) error
	// (POST /imports/bulk)
	SubmitImportBatch(ctx echo.Context) error
	// (GET /batches/failures)
	GetBatchFailures(ctx echo.Context) error
	// (DELETE /batches/failures)
	DeleteBatchFailures(ctx echo.Context) error
	// (GET /batches/{id})
	GetBatch(ctx echo.Context, id string) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func bindPath(ctx echo.Context, name string, dest *string) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// StartProcess converts echo context to params.
func (w *ServerInterfaceWrapper) StartProcess(ctx echo.Context) error {
	return w.Handler.StartProcess(ctx)
}

// GetActiveProcess converts echo context to params.
func (w *ServerInterfaceWrapper) GetActiveProcess(ctx echo.Context) error {
	return w.Handler.GetActiveProcess(ctx)
}

// GetProcess converts echo context to params.
func (w *ServerInterfaceWrapper) GetProcess(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.GetProcess(ctx, id)
}

// ListProcessEvents converts echo context to params.
func (w *ServerInterfaceWrapper) ListProcessEvents(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	var params ListProcessEventsParams
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	return w.Handler.ListProcessEvents(ctx, id, params)
}

// HoldProcess converts echo context to params.
func (w *ServerInterfaceWrapper) HoldProcess(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.HoldProcess(ctx, id)
}

// ResumeProcess converts echo context to params.
func (w *ServerInterfaceWrapper) ResumeProcess(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.ResumeProcess(ctx, id)
}

// TerminateProcess converts echo context to params.
func (w *ServerInterfaceWrapper) TerminateProcess(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.TerminateProcess(ctx, id)
}

// ListOpenChallenges converts echo context to params.
func (w *ServerInterfaceWrapper) ListOpenChallenges(ctx echo.Context) error {
	var params ListOpenChallengesParams
	if err := runtime.BindQueryParameter("form", true, false, "process_id", ctx.QueryParams(), &params.ProcessId); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter process_id: %s", err))
	}
	return w.Handler.ListOpenChallenges(ctx, params)
}

// AnswerChallenge converts echo context to params.
func (w *ServerInterfaceWrapper) AnswerChallenge(ctx echo.Context) error {
	var processId, threadId string
	if err := bindPath(ctx, "process_id", &processId); err != nil {
		return err
	}
	if err := bindPath(ctx, "thread_id", &threadId); err != nil {
		return err
	}
	return w.Handler.AnswerChallenge(ctx, processId, threadId)
}

// Stream converts echo context to params.
func (w *ServerInterfaceWrapper) Stream(ctx echo.Context) error {
	var params StreamParams
	if err := runtime.BindQueryParameter("form", true, false, "replay", ctx.QueryParams(), &params.Replay); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter replay: %s", err))
	}
	return w.Handler.Stream(ctx, params)
}

// SubmitSMSBatch converts echo context to params.
func (w *ServerInterfaceWrapper) SubmitSMSBatch(ctx echo.Context) error {
	return w.Handler.SubmitSMSBatch(ctx)
}

// SubmitImportBatch converts echo context to params.
func (w *ServerInterfaceWrapper) SubmitImportBatch(ctx echo.Context) error {
	return w.Handler.SubmitImportBatch(ctx)
}

// GetBatchFailures converts echo context to params.
func (w *ServerInterfaceWrapper) GetBatchFailures(ctx echo.Context) error {
	return w.Handler.GetBatchFailures(ctx)
}

// DeleteBatchFailures converts echo context to params.
func (w *ServerInterfaceWrapper) DeleteBatchFailures(ctx echo.Context) error {
	return w.Handler.DeleteBatchFailures(ctx)
}

// GetBatch converts echo context to params.
func (w *ServerInterfaceWrapper) GetBatch(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.GetBatch(ctx, id)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the handlers under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	router.POST(baseURL+"/processes", wrapper.StartProcess)
	router.GET(baseURL+"/processes/active", wrapper.GetActiveProcess)
	router.GET(baseURL+"/processes/:id", wrapper.GetProcess)
	router.GET(baseURL+"/processes/:id/events", wrapper.ListProcessEvents)
	router.POST(baseURL+"/processes/:id/hold", wrapper.HoldProcess)
	router.POST(baseURL+"/processes/:id/resume", wrapper.ResumeProcess)
	router.POST(baseURL+"/processes/:id/terminate", wrapper.TerminateProcess)
	router.GET(baseURL+"/challenges/open", wrapper.ListOpenChallenges)
	router.POST(baseURL+"/challenges/:process_id/:thread_id/answer", wrapper.AnswerChallenge)
	router.GET(baseURL+"/stream", wrapper.Stream)
	router.POST(baseURL+"/sms/bulk", wrapper.SubmitSMSBatch)
	router.POST(baseURL+"/imports/bulk", wrapper.SubmitImportBatch)
	router.GET(baseURL+"/batches/failures", wrapper.GetBatchFailures)
	router.DELETE(baseURL+"/batches/failures", wrapper.DeleteBatchFailures)
	router.GET(baseURL+"/batches/:id", wrapper.GetBatch)
}
