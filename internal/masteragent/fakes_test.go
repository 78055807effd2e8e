package masteragent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/fault"
	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/registry"
	"github.com/neboloop/lens/internal/store"
)

func init() {
	logging.Disable()
}

// memStore backs TaskStore and ToolStore in memory.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*store.Task
	agents map[string]*store.SubAgent
	convs  map[string]*store.Conversation
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  make(map[string]*store.Task),
		agents: make(map[string]*store.SubAgent),
		convs:  make(map[string]*store.Conversation),
	}
}

func (m *memStore) CreateTask(ctx context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.Status = store.TaskPending
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	cp := *task
	m.tasks[task.TaskID] = &cp
	return nil
}

func (m *memStore) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *memStore) UpdateTask(ctx context.Context, taskID string, mutate func(*store.Task)) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	mutate(task)
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	return &cp, nil
}

func (m *memStore) ListRecentTasks(ctx context.Context, userID string, limit int) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, task := range m.tasks {
		if task.UserID == userID {
			out = append(out, *task)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListSubAgents(ctx context.Context, userID string, limit int) ([]store.SubAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SubAgent
	for _, agent := range m.agents {
		if agent.UserID == userID {
			out = append(out, *agent)
		}
	}
	return out, nil
}

func (m *memStore) GetSubAgent(ctx context.Context, agentID string) (*store.SubAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *memStore) LatestConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.Conversation
	for _, conv := range m.convs {
		if conv.UserID != userID {
			continue
		}
		if latest == nil || conv.LastActivityAt.After(latest.LastActivityAt) {
			latest = conv
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) putAgent(agent store.SubAgent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.AgentID] = &agent
}

func (m *memStore) putConversation(conv store.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ConversationID] = &conv
}

// fakeConvs records turns without persistence details.
type fakeConvs struct {
	mu    sync.Mutex
	turns []store.Turn
}

func (f *fakeConvs) GetOrCreateActive(ctx context.Context, userID string) (*store.Conversation, error) {
	return &store.Conversation{ConversationID: "conv-" + userID, UserID: userID}, nil
}

func (f *fakeConvs) AppendTurn(ctx context.Context, conversationID, role, content, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, store.Turn{Role: role, Content: content, AssociatedTaskID: taskID, Timestamp: time.Now()})
	return nil
}

func (f *fakeConvs) HistoryForPlanner(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out string
	for _, turn := range f.turns {
		out += fmt.Sprintf("[%s] %s\n", turn.Role, turn.Content)
	}
	return out, nil
}

func (f *fakeConvs) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeConvs) lastTurn() store.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

// fakeAgents simulates the registry.
type fakeAgents struct {
	mu        sync.Mutex
	connected bool
	spawnErr  error
	result    *store.SubAgent
	waitErr   error
	spawned   int
}

func (f *fakeAgents) SpawnAgent(ctx context.Context, userID, goal string, opts registry.SpawnOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned++
	return "agent-1", nil
}

func (f *fakeAgents) WaitForCompletion(ctx context.Context, agentID string, timeout time.Duration) (*store.SubAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.result, nil
}

func (f *fakeAgents) DaemonStatus(userID string) (bool, time.Duration) {
	return f.connected, 0
}

// scriptedPlanner returns a fixed decision.
type scriptedPlanner struct {
	decision *ai.Decision
	err      error
}

func (p *scriptedPlanner) Decide(ctx context.Context, in ai.PlannerInput) (*ai.Decision, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.decision, nil
}

// flakyPlanner exhausts its context on the first `failures` calls, then
// returns the decision. Models a planner call that overruns its step slice.
type flakyPlanner struct {
	mu       sync.Mutex
	failures int
	calls    int
	decision *ai.Decision
}

func (p *flakyPlanner) Decide(ctx context.Context, in ai.PlannerInput) (*ai.Decision, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n <= p.failures {
		<-ctx.Done()
		return nil, fmt.Errorf("planner call: %w", ctx.Err())
	}
	return p.decision, nil
}

func (p *flakyPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// flakySynth is the synthesis counterpart of flakyPlanner.
type flakySynth struct {
	mu       sync.Mutex
	failures int
	calls    int
	surfaces *ai.Surfaces
}

func (s *flakySynth) Synthesize(ctx context.Context, in ai.SynthesisInput) (*ai.Surfaces, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n <= s.failures {
		<-ctx.Done()
		return nil, fmt.Errorf("synthesis call: %w", ctx.Err())
	}
	return s.surfaces, nil
}

func (s *flakySynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedSynth returns fixed surfaces.
type scriptedSynth struct {
	surfaces *ai.Surfaces
	err      error
}

func (s *scriptedSynth) Synthesize(ctx context.Context, in ai.SynthesisInput) (*ai.Surfaces, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.surfaces, nil
}

var errDaemonGone = fault.New(fault.KindCapacity, fault.CodeDaemonUnavailable, "no daemon connected for user")
