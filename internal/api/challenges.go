package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/challenge"
)

// AnswerRequest carries exactly one of the three answer fields.
type AnswerRequest struct {
	VerificationMethod *string `json:"verification_method,omitempty"`
	VerificationCode   *string `json:"verification_code,omitempty"`
	Confirmation       *bool   `json:"confirmation,omitempty"`
}

// Answer converts the request into a typed challenge answer.
func (r AnswerRequest) Answer() (challenge.Answer, error) {
	var (
		ans challenge.Answer
		set int
	)
	if r.VerificationMethod != nil {
		ans, set = challenge.MethodAnswer{Method: strings.TrimSpace(*r.VerificationMethod)}, set+1
	}
	if r.VerificationCode != nil {
		ans, set = challenge.CodeAnswer{Code: strings.TrimSpace(*r.VerificationCode)}, set+1
	}
	if r.Confirmation != nil {
		ans, set = challenge.ConfirmationAnswer{Confirmed: *r.Confirmation}, set+1
	}
	if set != 1 {
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			"exactly one of verification_method, verification_code or confirmation is required")
	}
	return ans, nil
}

// ListOpenChallenges returns the operator's open challenges.
// (GET /api/v1/challenges/open)
func (s *Server) ListOpenChallenges(c echo.Context, params ListOpenChallengesParams) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	processID := ""
	if params.ProcessId != nil {
		processID = *params.ProcessId
	}
	open, err := s.broker.Snapshot(c.Request().Context(), owner, processID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, open)
}

// AnswerChallenge relays the operator's answer to the engine.
// (POST /api/v1/challenges/{process_id}/{thread_id}/answer)
func (s *Server) AnswerChallenge(c echo.Context, processId string, threadId string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}

	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	ans, err := req.Answer()
	if err != nil {
		return err
	}

	ch, err := s.broker.Answer(c.Request().Context(), owner, processId, threadId, ans)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ch)
}
