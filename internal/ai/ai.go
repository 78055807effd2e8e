// Package ai defines the capability interfaces for the three model roles
// (planner, synthesizer, observer) and their vendor implementations. Tests
// substitute deterministic fakes.
package ai

import (
	"context"
	"encoding/json"
)

// DecisionType is the planner's classification of a query.
type DecisionType string

const (
	DecisionDirectResponse     DecisionType = "direct_response"
	DecisionClarifyingQuestion DecisionType = "clarifying_question"
	DecisionSpawnAgent         DecisionType = "spawn_agent"
)

// Decision is the planner's single output for one query.
type Decision struct {
	Type DecisionType `json:"type"`

	// Set for direct_response and clarifying_question.
	GlassesDisplay string `json:"glassesDisplay,omitempty"`
	WebviewContent string `json:"webviewContent,omitempty"`

	// Set for spawn_agent.
	Goal             string `json:"goal,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Rationale        string `json:"rationale,omitempty"`
}

// ToolDefinition declares one read-only planner tool.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolExecutor exposes the sandboxed query tools to the planner loop.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, input json.RawMessage) (content string, isError bool)
}

// PlannerInput is the context handed to the planner.
type PlannerInput struct {
	History string
	Query   string
	Tools   ToolExecutor
}

// PlannerClient classifies a query into exactly one Decision, optionally
// using a bounded tool loop first.
type PlannerClient interface {
	Decide(ctx context.Context, in PlannerInput) (*Decision, error)
}

// SynthesisInput carries the agent outcome into the synthesis call.
type SynthesisInput struct {
	History         string
	Query           string
	Goal            string
	AgentResult     string
	AgentError      string
	LastObservation string
}

// Surfaces is the dual-surface answer.
type Surfaces struct {
	GlassesDisplay string `json:"glassesDisplay"`
	WebviewContent string `json:"webviewContent"`
}

// SynthesizerClient produces the final dual-surface answer after a spawned
// agent reaches a terminal state.
type SynthesizerClient interface {
	Synthesize(ctx context.Context, in SynthesisInput) (*Surfaces, error)
}

// ObserverState is the observer's classification alphabet.
type ObserverState string

const (
	ObserverWorking       ObserverState = "working"
	ObserverAwaitingInput ObserverState = "awaiting_input"
	ObserverSuccess       ObserverState = "success"
	ObserverFailure       ObserverState = "failure"
)

// Observation is the observer's reading of a terminal window.
type Observation struct {
	State   ObserverState `json:"state"`
	Summary string        `json:"summary"`
}

// Terminal reports whether the observation ends the session.
func (o Observation) Terminal() bool {
	return o.State == ObserverSuccess || o.State == ObserverFailure
}

// ObserverClient classifies raw terminal output into an Observation.
type ObserverClient interface {
	Classify(ctx context.Context, window string) (*Observation, error)
}
