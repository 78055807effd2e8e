package masteragent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/conversation"
	"github.com/neboloop/lens/internal/store"
)

// toolRecentTasksCap bounds get_recent_tasks regardless of the asked limit.
const toolRecentTasksCap = 20

// truncatedWebviewLen bounds the webview excerpt in task listings.
const truncatedWebviewLen = 300

// ToolStore is the read-only persistence surface behind the tools.
type ToolStore interface {
	ListRecentTasks(ctx context.Context, userID string, limit int) ([]store.Task, error)
	ListSubAgents(ctx context.Context, userID string, limit int) ([]store.SubAgent, error)
	GetSubAgent(ctx context.Context, agentID string) (*store.SubAgent, error)
	LatestConversation(ctx context.Context, userID string) (*store.Conversation, error)
}

// DaemonStatusSource reports daemon connectivity.
type DaemonStatusSource interface {
	DaemonStatus(userID string) (connected bool, lastHeartbeatAge time.Duration)
}

// Tools is the closed, read-only tool surface exposed to the planner. Every
// call is sandboxed by the caller's userId; no tool writes anything.
type Tools struct {
	callerUserID string
	store        ToolStore
	daemons      DaemonStatusSource
	ttl          time.Duration
}

// NewTools binds the tool surface to one caller.
func NewTools(callerUserID string, st ToolStore, daemons DaemonStatusSource, conversationTTL time.Duration) *Tools {
	return &Tools{callerUserID: callerUserID, store: st, daemons: daemons, ttl: conversationTTL}
}

// Definitions enumerates the tool schemas for the planner.
func (t *Tools) Definitions() []ai.ToolDefinition {
	return []ai.ToolDefinition{
		{
			Name:        "get_recent_tasks",
			Description: "List the caller's recent tasks: id, status, query, timestamps and a truncated webview result.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":20,"description":"How many tasks to return (default 5)"}},"required":[]}`),
		},
		{
			Name:        "get_running_agents",
			Description: "List the caller's terminal agents that have not yet finished.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
		{
			Name:        "get_agent_status",
			Description: "Fetch one terminal agent by id. Refuses agents that belong to other users.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agentId":{"type":"string","description":"Agent id to look up"}},"required":["agentId"]}`),
		},
		{
			Name:        "get_daemon_status",
			Description: "Report whether the caller's desktop daemon is connected and how old its last heartbeat is.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
		{
			Name:        "get_conversation_summary",
			Description: "Return a compact summary of the caller's active conversation (role, content, timestamp per turn).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	}
}

// Execute runs one tool call. Content is JSON; sandbox violations and bad
// input come back as tool errors, never as panics.
func (t *Tools) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	out, err := t.execute(ctx, name, input)
	if err != nil {
		return err.Error(), true
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("encode tool result: %v", err), true
	}
	return string(data), false
}

func (t *Tools) execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	switch name {
	case "get_recent_tasks":
		var args struct {
			Limit int `json:"limit"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		if limit > toolRecentTasksCap {
			limit = toolRecentTasksCap
		}
		tasks, err := t.store.ListRecentTasks(ctx, t.callerUserID, limit)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		views := make([]taskView, 0, len(tasks))
		for _, task := range tasks {
			views = append(views, newTaskView(task))
		}
		return views, nil

	case "get_running_agents":
		agents, err := t.store.ListSubAgents(ctx, t.callerUserID, 0)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		running := make([]agentView, 0)
		for _, agent := range agents {
			if !agent.Status.Terminal() {
				running = append(running, newAgentView(agent))
			}
		}
		return running, nil

	case "get_agent_status":
		var args struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(input, &args); err != nil || args.AgentID == "" {
			return nil, fmt.Errorf("invalid input: agentId is required")
		}
		agent, err := t.store.GetSubAgent(ctx, args.AgentID)
		if err != nil {
			return nil, fmt.Errorf("agent not found")
		}
		if agent.UserID != t.callerUserID {
			return nil, fmt.Errorf("FORBIDDEN: agent belongs to another user")
		}
		return newAgentView(*agent), nil

	case "get_daemon_status":
		connected, age := t.daemons.DaemonStatus(t.callerUserID)
		return map[string]any{
			"connected":          connected,
			"lastHeartbeatAgeMs": age.Milliseconds(),
		}, nil

	case "get_conversation_summary":
		conv, err := t.store.LatestConversation(ctx, t.callerUserID)
		if err != nil {
			return []turnView{}, nil
		}
		if !store.ActiveWithin(conv, t.ttl, time.Now().UTC()) {
			return []turnView{}, nil
		}
		turns := conversation.RecentTurns(conv.Turns)
		views := make([]turnView, 0, len(turns))
		for _, turn := range turns {
			views = append(views, turnView{
				Role:      turn.Role,
				Content:   turn.Content,
				Timestamp: turn.Timestamp.Format(time.RFC3339),
			})
		}
		return views, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

type taskView struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	Query     string `json:"query"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Webview   string `json:"webview,omitempty"`
}

func newTaskView(task store.Task) taskView {
	v := taskView{
		TaskID:    task.TaskID,
		Status:    string(task.Status),
		Query:     task.Query,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
		UpdatedAt: task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Result != nil {
		v.Webview = truncate(task.Result.WebviewContent, truncatedWebviewLen)
	}
	return v
}

type agentView struct {
	AgentID         string `json:"agentId"`
	Status          string `json:"status"`
	Goal            string `json:"goal"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	LastObservation string `json:"lastObservation,omitempty"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
}

func newAgentView(agent store.SubAgent) agentView {
	return agentView{
		AgentID:         agent.AgentID,
		Status:          string(agent.Status),
		Goal:            agent.Goal,
		CreatedAt:       agent.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       agent.UpdatedAt.Format(time.RFC3339),
		LastObservation: agent.LastObservation,
		Result:          truncate(agent.Result, truncatedWebviewLen),
		Error:           agent.Error,
	}
}

type turnView struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
