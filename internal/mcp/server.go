// Package mcp exposes the operator's challenge workflow as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"transfer-orchestrator/backend/internal/auth"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/pkg/models"
)

// Processes is the subset of the process service the tools read.
type Processes interface {
	Get(ctx context.Context, ownerID, id string) (*models.Process, error)
}

// Challenges is the subset of the challenge broker the tools drive.
type Challenges interface {
	Snapshot(ctx context.Context, ownerID, processID string) ([]*challenge.Challenge, error)
	Answer(ctx context.Context, ownerID, processID, threadID string, ans challenge.Answer) (*challenge.Challenge, error)
}

type Server struct {
	mcpServer  *server.MCPServer
	processes  Processes
	challenges Challenges
}

func NewServer(processes Processes, challenges Challenges, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Transfer Orchestrator",
			version,
			server.WithToolCapabilities(true),
		),
		processes:  processes,
		challenges: challenges,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_open_challenges",
			mcp.WithDescription("List challenges awaiting an answer from the current operator"),
			mcp.WithString("process_id", mcp.Description("Only list challenges of this process")),
		),
		s.handleListOpenChallenges,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"answer_challenge",
			mcp.WithDescription("Answer an open challenge. Set exactly one of verification_method, verification_code or confirmation."),
			mcp.WithString("process_id", mcp.Required(), mcp.Description("The process the challenge belongs to")),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("The challenge thread")),
			mcp.WithString("verification_method", mcp.Description("The chosen verification method")),
			mcp.WithString("verification_code", mcp.Description("The verification code")),
			mcp.WithBoolean("confirmation", mcp.Description("Whether the transfer is confirmed")),
		),
		s.handleAnswerChallenge,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_process",
			mcp.WithDescription("Get the status and progress of a process"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the process")),
		),
		s.handleGetProcess,
	)
}

func operator(ctx context.Context) (string, *mcp.CallToolResult) {
	op, ok := auth.OperatorFromContext(ctx)
	if !ok || op.ID == "" {
		return "", mcp.NewToolResultError("Not authenticated")
	}
	return op.ID, nil
}

func (s *Server) handleListOpenChallenges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, denied := operator(ctx)
	if denied != nil {
		return denied, nil
	}

	open, err := s.challenges.Snapshot(ctx, owner, request.GetString("process_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list challenges: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(open)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleAnswerChallenge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, denied := operator(ctx)
	if denied != nil {
		return denied, nil
	}

	args := request.GetArguments()
	processID, _ := args["process_id"].(string)
	threadID, _ := args["thread_id"].(string)
	if processID == "" || threadID == "" {
		return mcp.NewToolResultError("Missing required parameters: process_id and thread_id"), nil
	}

	var answers []challenge.Answer
	if v, ok := args["verification_method"].(string); ok {
		answers = append(answers, challenge.MethodAnswer{Method: strings.TrimSpace(v)})
	}
	if v, ok := args["verification_code"].(string); ok {
		answers = append(answers, challenge.CodeAnswer{Code: strings.TrimSpace(v)})
	}
	if v, ok := args["confirmation"].(bool); ok {
		answers = append(answers, challenge.ConfirmationAnswer{Confirmed: v})
	}
	if len(answers) != 1 {
		return mcp.NewToolResultError("Set exactly one of verification_method, verification_code or confirmation"), nil
	}

	ch, err := s.challenges.Answer(ctx, owner, processID, threadID, answers[0])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to answer: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(ch)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, denied := operator(ctx)
	if denied != nil {
		return denied, nil
	}

	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	p, err := s.processes.Get(ctx, owner, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get process: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(p)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. The operator resolved
// by the auth middleware is carried into every tool call.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if op, ok := auth.OperatorFromContext(r.Context()); ok {
				return auth.WithOperator(ctx, op)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
