// Package process owns the lifecycle of transfer processes.
// Guards are pure functions that evaluate preconditions without side effects.
package process

import (
	"fmt"

	"transfer-orchestrator/backend/pkg/models"
)

// Guard codes, surfaced to callers as the machine-readable rejection reason.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeProcessRunning    = "process_running"
	CodeTerminal          = "process_terminal"
)

// Actor identifies who requested a transition.
type Actor string

const (
	ActorOperator Actor = "operator"
	ActorEngine   Actor = "engine"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Code    string
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return &RejectedError{Code: r.Code, Reason: r.Reason}
}

// TransitionContext provides context for a generic status change.
type TransitionContext struct {
	ProcessID string
	From      models.ProcessStatus
	To        models.ProcessStatus
	Actor     Actor
}

// HoldContext provides context for the hold guard.
type HoldContext struct {
	ProcessID     string
	Status        models.ProcessStatus
	EngineChecked bool
	EngineRunning bool
}

// ResumeContext provides context for the resume guard.
type ResumeContext struct {
	ProcessID string
	Status    models.ProcessStatus
}

// TerminateContext provides context for the terminate guard.
type TerminateContext struct {
	ProcessID string
	Status    models.ProcessStatus
}

var transitions = map[models.ProcessStatus][]models.ProcessStatus{
	models.ProcessStatusPending: {
		models.ProcessStatusProcessing,
		models.ProcessStatusOnHold,
		models.ProcessStatusFailed,
	},
	models.ProcessStatusProcessing: {
		models.ProcessStatusOnHold,
		models.ProcessStatusFailed,
		models.ProcessStatusCompleted,
		models.ProcessStatusPending,
	},
	models.ProcessStatusOnHold: {
		models.ProcessStatusProcessing,
		models.ProcessStatusFailed,
	},
}

// CanTransition evaluates whether a process may move between two statuses.
// Rules:
// - Failed and completed are terminal
// - Only edges of the lifecycle graph are allowed
// - Only the engine can complete a process
func CanTransition(ctx TransitionContext) GuardResult {
	if ctx.From.Terminal() {
		return GuardResult{
			Code:   CodeTerminal,
			Reason: fmt.Sprintf("process %s is %s and cannot change status", ctx.ProcessID, ctx.From),
		}
	}
	if !ctx.To.Valid() {
		return GuardResult{
			Code:   CodeInvalidTransition,
			Reason: fmt.Sprintf("unknown status %q", ctx.To),
		}
	}
	if ctx.To == models.ProcessStatusCompleted && ctx.Actor != ActorEngine {
		return GuardResult{
			Code:   CodeInvalidTransition,
			Reason: fmt.Sprintf("process %s can only be completed by the engine", ctx.ProcessID),
		}
	}
	for _, to := range transitions[ctx.From] {
		if to == ctx.To {
			return GuardResult{Allowed: true}
		}
	}
	return GuardResult{
		Code:   CodeInvalidTransition,
		Reason: fmt.Sprintf("process %s cannot move from %s to %s", ctx.ProcessID, ctx.From, ctx.To),
	}
}

// CanHold evaluates whether a process can be put on hold.
// Rules:
// - Process must be pending or processing
// - The engine must report the job as not running
func CanHold(ctx HoldContext) GuardResult {
	if r := CanTransition(TransitionContext{ProcessID: ctx.ProcessID, From: ctx.Status, To: models.ProcessStatusOnHold, Actor: ActorOperator}); !r.Allowed {
		return r
	}
	if ctx.EngineChecked && ctx.EngineRunning {
		return GuardResult{
			Code:   CodeProcessRunning,
			Reason: fmt.Sprintf("process %s is running on the engine; terminate it instead", ctx.ProcessID),
		}
	}
	return GuardResult{Allowed: true}
}

// CanResume evaluates whether a process can be resumed.
// Rules:
// - Process must be on hold, or pending after a stall or failed resume
func CanResume(ctx ResumeContext) GuardResult {
	if ctx.Status != models.ProcessStatusOnHold && ctx.Status != models.ProcessStatusPending {
		code := CodeInvalidTransition
		if ctx.Status.Terminal() {
			code = CodeTerminal
		}
		return GuardResult{
			Code:   code,
			Reason: fmt.Sprintf("process %s is %s; only held or pending processes can resume", ctx.ProcessID, ctx.Status),
		}
	}
	return GuardResult{Allowed: true}
}

// CanTerminate evaluates whether a process can be terminated.
// Rules:
// - Process must not already be terminal
func CanTerminate(ctx TerminateContext) GuardResult {
	return CanTransition(TransitionContext{ProcessID: ctx.ProcessID, From: ctx.Status, To: models.ProcessStatusFailed, Actor: ActorOperator})
}
