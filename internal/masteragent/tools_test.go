package masteragent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/lens/internal/store"
)

func newTestTools(ms *memStore, agents *fakeAgents) *Tools {
	return NewTools("u@x", ms, agents, 4*time.Hour)
}

func TestToolDefinitionsComplete(t *testing.T) {
	tools := newTestTools(newMemStore(), &fakeAgents{})
	defs := tools.Definitions()
	names := make(map[string]bool)
	for _, def := range defs {
		names[def.Name] = true
		// Every schema must be valid JSON.
		var schema map[string]any
		require.NoError(t, json.Unmarshal(def.InputSchema, &schema), def.Name)
	}
	for _, want := range []string{
		"get_recent_tasks", "get_running_agents", "get_agent_status",
		"get_daemon_status", "get_conversation_summary",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestGetAgentStatusSandbox(t *testing.T) {
	ms := newMemStore()
	ms.putAgent(store.SubAgent{AgentID: "agent-a", UserID: "a@x", Status: store.AgentRunning})
	tools := NewTools("b@x", ms, &fakeAgents{}, 4*time.Hour)

	content, isErr := tools.Execute(context.Background(), "get_agent_status", json.RawMessage(`{"agentId":"agent-a"}`))
	assert.True(t, isErr)
	assert.Contains(t, content, "FORBIDDEN")
}

func TestGetAgentStatusOwn(t *testing.T) {
	ms := newMemStore()
	ms.putAgent(store.SubAgent{AgentID: "agent-a", UserID: "u@x", Status: store.AgentRunning, Goal: "work"})
	tools := newTestTools(ms, &fakeAgents{})

	content, isErr := tools.Execute(context.Background(), "get_agent_status", json.RawMessage(`{"agentId":"agent-a"}`))
	require.False(t, isErr, content)
	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &view))
	assert.Equal(t, "agent-a", view["agentId"])
	assert.Equal(t, "running", view["status"])
}

func TestGetRunningAgentsFiltersTerminal(t *testing.T) {
	ms := newMemStore()
	ms.putAgent(store.SubAgent{AgentID: "agent-1", UserID: "u@x", Status: store.AgentRunning})
	ms.putAgent(store.SubAgent{AgentID: "agent-2", UserID: "u@x", Status: store.AgentCompleted})
	ms.putAgent(store.SubAgent{AgentID: "agent-3", UserID: "other@x", Status: store.AgentRunning})
	tools := newTestTools(ms, &fakeAgents{})

	content, isErr := tools.Execute(context.Background(), "get_running_agents", nil)
	require.False(t, isErr, content)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "agent-1", views[0]["agentId"])
}

func TestGetRecentTasksScopedAndCapped(t *testing.T) {
	ms := newMemStore()
	for i := 0; i < 3; i++ {
		task := &store.Task{TaskID: string(rune('a' + i)), UserID: "u@x", Query: "q"}
		require.NoError(t, ms.CreateTask(context.Background(), task))
	}
	other := &store.Task{TaskID: "other", UserID: "other@x", Query: "q"}
	require.NoError(t, ms.CreateTask(context.Background(), other))
	tools := newTestTools(ms, &fakeAgents{})

	content, isErr := tools.Execute(context.Background(), "get_recent_tasks", json.RawMessage(`{"limit":50}`))
	require.False(t, isErr, content)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &views))
	assert.Len(t, views, 3, "only the caller's tasks")
}

func TestGetDaemonStatus(t *testing.T) {
	tools := newTestTools(newMemStore(), &fakeAgents{connected: true})

	content, isErr := tools.Execute(context.Background(), "get_daemon_status", nil)
	require.False(t, isErr, content)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &status))
	assert.Equal(t, true, status["connected"])
}

func TestGetConversationSummary(t *testing.T) {
	ms := newMemStore()
	ms.putConversation(store.Conversation{
		ConversationID: "conv-1",
		UserID:         "u@x",
		LastActivityAt: time.Now().UTC(),
		Turns: []store.Turn{
			{Role: "user", Content: "hello", Timestamp: time.Now().UTC()},
			{Role: "assistant", Content: "hi", Timestamp: time.Now().UTC()},
		},
	})
	tools := newTestTools(ms, &fakeAgents{})

	content, isErr := tools.Execute(context.Background(), "get_conversation_summary", nil)
	require.False(t, isErr, content)
	var turns []map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &turns))
	assert.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0]["role"])
}

func TestUnknownTool(t *testing.T) {
	tools := newTestTools(newMemStore(), &fakeAgents{})
	content, isErr := tools.Execute(context.Background(), "drop_all_tables", nil)
	assert.True(t, isErr)
	assert.Contains(t, content, "unknown tool")
}
