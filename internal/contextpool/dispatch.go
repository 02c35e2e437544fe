package contextpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/agentsession"
)

// DispatchStatus discriminates a dispatch_task outcome.
type DispatchStatus string

const (
	DispatchSucceeded   DispatchStatus = "succeeded"
	DispatchFailed      DispatchStatus = "failed"
	DispatchInterrupted DispatchStatus = "interrupted"
)

// DispatchRequest is the input to dispatch_task (spec.md §4.7).
type DispatchRequest struct {
	Objective string
	Profile   string
	Hint      string
	MonitorID string
	MessageID string
}

// DispatchResult is what dispatch_task returns.
type DispatchResult struct {
	Status  DispatchStatus
	Summary string
	Actions []string // describeAction output, one per produced action
	Error   string
}

// DispatchTask forks a short-lived task agent off monitorID's main
// agent conversation to perform one objective under a restricted tool
// profile (spec.md §4.7).
func (p *Pool) DispatchTask(ctx context.Context, req DispatchRequest, transcript agentsession.TranscriptSink) *DispatchResult {
	main, ok := p.mainAgentSession(req.MonitorID)
	if !ok {
		return &DispatchResult{Status: DispatchFailed, Error: fmt.Sprintf("no main agent for monitor %q", req.MonitorID)}
	}
	parentSessionID := main.ProviderSessionID()

	_, profile := LookupProfile(req.Profile)

	t, err := p.registry.New(ctx, p.config.Provider)
	if err != nil {
		return &DispatchResult{Status: DispatchFailed, Error: err.Error()}
	}

	task := agentsession.New(p.sessionID, t, p.limiter, p.bus, p.hub, p.windowReg, transcript, p.log)
	task.SetLoopGuard(p.loopGuard)

	taskID := "task-" + ulid.Make().String()
	p.registerTaskAgent(taskID, task)
	defer func() {
		p.unregisterTaskAgent(taskID)
		p.loopGuard.Clear(task.InstanceID)
		task.Dispose()
	}()

	objective := req.Objective
	if objective == "" {
		objective = "Complete the requested task and report back concisely."
	}
	if req.Hint != "" {
		objective = objective + "\n\nHint: " + req.Hint
	}

	// Dispatch does not queue behind capacity: spec.md §4.7 step 2 fails
	// immediately on exhaustion rather than waiting for a slot.
	noWait := time.Duration(0)

	result, err := task.HandleMessage(ctx, objective, agentsession.HandleOptions{
		Role:                 taskID,
		Source:               "main",
		MonitorID:            req.MonitorID,
		ForkSession:          true,
		ParentSessionID:      parentSessionID,
		SystemPromptOverride: profile.SystemPrompt,
		AllowedTools:         profile.AllowedTools,
		AcquireTimeout:       &noWait,
	})

	switch {
	case err == nil:
		return &DispatchResult{
			Status:  DispatchSucceeded,
			Summary: summarizeActions(result.Actions),
			Actions: describeAll(result.Actions),
		}
	case errors.Is(err, agentsession.ErrCapacityExceeded):
		return &DispatchResult{Status: DispatchFailed, Error: "agent limit reached"}
	case ctx.Err() != nil:
		return &DispatchResult{Status: DispatchInterrupted, Error: err.Error(), Actions: describeAll(resultActions(result))}
	default:
		return &DispatchResult{Status: DispatchFailed, Error: err.Error(), Actions: describeAll(resultActions(result))}
	}
}

func resultActions(r *agentsession.Result) []action.Action {
	if r == nil {
		return nil
	}
	return r.Actions
}

func describeAll(actions []action.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, describeAction(a))
	}
	return out
}
