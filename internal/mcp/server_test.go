package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/internal/auth"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/pkg/models"
)

type MockProcesses struct {
	mock.Mock
}

func (m *MockProcesses) Get(ctx context.Context, ownerID, id string) (*models.Process, error) {
	args := m.Called(ctx, ownerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Process), args.Error(1)
}

type MockChallenges struct {
	mock.Mock
}

func (m *MockChallenges) Snapshot(ctx context.Context, ownerID, processID string) ([]*challenge.Challenge, error) {
	args := m.Called(ctx, ownerID, processID)
	return args.Get(0).([]*challenge.Challenge), args.Error(1)
}

func (m *MockChallenges) Answer(ctx context.Context, ownerID, processID, threadID string, ans challenge.Answer) (*challenge.Challenge, error) {
	args := m.Called(ctx, ownerID, processID, threadID, ans)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*challenge.Challenge), args.Error(1)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func operatorCtx(id string) context.Context {
	return auth.WithOperator(context.Background(), auth.Operator{ID: id})
}

func TestToolsRequireOperator(t *testing.T) {
	s := NewServer(&MockProcesses{}, &MockChallenges{}, "test")

	res, err := s.handleGetProcess(context.Background(), call(map[string]any{"id": "p1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Not authenticated", text(t, res))
}

func TestGetProcess(t *testing.T) {
	procs := &MockProcesses{}
	s := NewServer(procs, &MockChallenges{}, "test")
	ctx := operatorCtx("op-1")

	procs.On("Get", mock.Anything, "op-1", "p1").Return(&models.Process{ID: "p1", Status: models.ProcessStatusProcessing}, nil)
	procs.On("Get", mock.Anything, "op-1", "p2").Return(nil, process.ErrNotFound)

	res, err := s.handleGetProcess(ctx, call(map[string]any{"id": "p1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"status":"processing"`)

	res, err = s.handleGetProcess(ctx, call(map[string]any{"id": "p2"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGetProcess(ctx, call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	procs.AssertExpectations(t)
}

func TestListOpenChallenges(t *testing.T) {
	chs := &MockChallenges{}
	s := NewServer(&MockProcesses{}, chs, "test")

	open := []*challenge.Challenge{{
		ID:        "c1",
		ProcessID: "p1",
		ThreadID:  "t1",
		Prompt:    challenge.MethodChoice{Options: []string{"sms"}},
		Status:    models.EventStatusOpen,
	}}
	chs.On("Snapshot", mock.Anything, "op-1", "p1").Return(open, nil)

	res, err := s.handleListOpenChallenges(operatorCtx("op-1"), call(map[string]any{"process_id": "p1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"kind":"choose_verification_method"`)
	chs.AssertExpectations(t)
}

func TestAnswerChallenge(t *testing.T) {
	chs := &MockChallenges{}
	s := NewServer(&MockProcesses{}, chs, "test")
	ctx := operatorCtx("op-1")

	chs.On("Answer", mock.Anything, "op-1", "p1", "t1", challenge.ConfirmationAnswer{Confirmed: true}).
		Return(&challenge.Challenge{ID: "c1", Prompt: challenge.TransferConfirmation{}, Status: models.EventStatusAnswered}, nil)
	chs.On("Answer", mock.Anything, "op-1", "p1", "t2", challenge.CodeAnswer{Code: "42"}).
		Return(nil, challenge.ErrAlreadyExpired)

	res, err := s.handleAnswerChallenge(ctx, call(map[string]any{"process_id": "p1", "thread_id": "t1", "confirmation": true}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"status":"answered"`)

	res, err = s.handleAnswerChallenge(ctx, call(map[string]any{"process_id": "p1", "thread_id": "t2", "verification_code": " 42 "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "expired")

	res, err = s.handleAnswerChallenge(ctx, call(map[string]any{"process_id": "p1", "thread_id": "t1", "verification_code": "1", "confirmation": false}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleAnswerChallenge(ctx, call(map[string]any{"thread_id": "t1", "confirmation": true}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	chs.AssertExpectations(t)
}
