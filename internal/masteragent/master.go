// Package masteragent is the orchestration brain: it converts a user query
// into a persisted, dual-surface Task outcome, spawning desktop terminal
// agents when local action is needed.
package masteragent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/fault"
	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/registry"
	"github.com/neboloop/lens/internal/store"
)

// glassesMaxScalars is the HUD display budget in Unicode scalar values.
const glassesMaxScalars = 100

// Default per-step budgets inside the overall task budget. A step is never
// granted more than the time left to the task deadline, and overrunning a
// step does not by itself end the task — only total exhaustion does.
const (
	defaultPlannerBudget   = 15 * time.Second
	defaultSynthesisBudget = 20 * time.Second
)

// TaskStore is the persistence surface for task lifecycle writes.
type TaskStore interface {
	CreateTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
	UpdateTask(ctx context.Context, taskID string, mutate func(*store.Task)) (*store.Task, error)
}

// Agents is the registry surface the master agent drives.
type Agents interface {
	SpawnAgent(ctx context.Context, userID, goal string, opts registry.SpawnOptions) (string, error)
	WaitForCompletion(ctx context.Context, agentID string, timeout time.Duration) (*store.SubAgent, error)
	DaemonStatus(userID string) (connected bool, lastHeartbeatAge time.Duration)
}

// Conversations is the dialog surface.
type Conversations interface {
	GetOrCreateActive(ctx context.Context, userID string) (*store.Conversation, error)
	AppendTurn(ctx context.Context, conversationID, role, content, taskID string) error
	HistoryForPlanner(ctx context.Context, conversationID string) (string, error)
}

// Options tune the master agent.
type Options struct {
	QueryMaxLen     int
	TaskBudget      time.Duration
	PlannerBudget   time.Duration
	SynthesisBudget time.Duration
	ConversationTTL time.Duration
}

// Master drives the Task lifecycle. It is the only mutator of task records;
// transitions are linearizable per taskId via an in-memory lock held across
// each durable write.
type Master struct {
	tasks       TaskStore
	toolStore   ToolStore
	agents      Agents
	convs       Conversations
	planner     ai.PlannerClient
	synthesizer ai.SynthesizerClient
	opts        Options

	lockMu    sync.Mutex
	taskLocks map[string]*sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New creates a master agent.
func New(tasks TaskStore, toolStore ToolStore, agents Agents, convs Conversations,
	planner ai.PlannerClient, synthesizer ai.SynthesizerClient, opts Options) *Master {
	if opts.QueryMaxLen == 0 {
		opts.QueryMaxLen = 2000
	}
	if opts.TaskBudget == 0 {
		opts.TaskBudget = 120 * time.Second
	}
	if opts.PlannerBudget == 0 {
		opts.PlannerBudget = defaultPlannerBudget
	}
	if opts.SynthesisBudget == 0 {
		opts.SynthesisBudget = defaultSynthesisBudget
	}
	if opts.ConversationTTL == 0 {
		opts.ConversationTTL = 4 * time.Hour
	}
	return &Master{
		tasks:       tasks,
		toolStore:   toolStore,
		agents:      agents,
		convs:       convs,
		planner:     planner,
		synthesizer: synthesizer,
		opts:        opts,
		taskLocks:   make(map[string]*sync.Mutex),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// SubmitQuery validates, persists a pending task plus the user turn, and
// kicks off the pipeline asynchronously. It never blocks on model calls.
func (m *Master) SubmitQuery(ctx context.Context, userID, query string) (string, error) {
	if userID == "" {
		return "", fault.New(fault.KindValidation, fault.CodeMissingUserID, "userId is required")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fault.New(fault.KindValidation, fault.CodeInvalidQuery, "query is required")
	}
	if utf8.RuneCountInString(query) > m.opts.QueryMaxLen {
		return "", fault.Newf(fault.KindValidation, fault.CodeQueryTooLong,
			"query exceeds %d characters", m.opts.QueryMaxLen)
	}

	conv, err := m.convs.GetOrCreateActive(ctx, userID)
	if err != nil {
		return "", fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "load conversation", err)
	}

	task := &store.Task{
		TaskID: uuid.NewString(),
		UserID: userID,
		Query:  query,
	}
	if err := m.tasks.CreateTask(ctx, task); err != nil {
		return "", fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "persist task", err)
	}
	if err := m.convs.AppendTurn(ctx, conv.ConversationID, "user", query, task.TaskID); err != nil {
		return "", fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "append user turn", err)
	}

	taskCtx, cancel := context.WithTimeout(context.Background(), m.opts.TaskBudget)
	m.cancelMu.Lock()
	m.cancels[task.TaskID] = cancel
	m.cancelMu.Unlock()

	go m.process(taskCtx, task.TaskID, userID, query, conv.ConversationID)

	return task.TaskID, nil
}

// GetTask returns the task, refusing cross-user reads with TASK_NOT_FOUND
// so existence never leaks.
func (m *Master) GetTask(ctx context.Context, taskID, userID string) (*store.Task, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.KindValidation, fault.CodeTaskNotFound, "task not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "load task", err)
	}
	if task.UserID != userID {
		return nil, fault.New(fault.KindValidation, fault.CodeTaskNotFound, "task not found")
	}
	return task, nil
}

// Cancel aborts a running task's scope. In-flight model calls and waits see
// the cancellation; the pipeline records the outcome.
func (m *Master) Cancel(taskID string) {
	m.cancelMu.Lock()
	cancel := m.cancels[taskID]
	m.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// process is the task pipeline. Every exit path leaves the task terminal
// and the conversation holding an assistant turn.
func (m *Master) process(ctx context.Context, taskID, userID, query, conversationID string) {
	defer func() {
		m.cancelMu.Lock()
		if cancel := m.cancels[taskID]; cancel != nil {
			cancel()
			delete(m.cancels, taskID)
		}
		m.cancelMu.Unlock()
	}()
	// A pipeline panic must surface as a task error, never crash the server.
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("[MasterAgent] PANIC in task %s: %v", taskID, r)
			m.failTask(taskID, conversationID, fault.CodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	deadline, _ := ctx.Deadline()
	logging.Infof("[MasterAgent] Task %s started for %s", taskID, userID)

	// 1. Load context.
	history, err := m.convs.HistoryForPlanner(ctx, conversationID)
	if err != nil {
		m.failTask(taskID, conversationID, fault.CodeServiceUnavailable, err.Error())
		return
	}
	if !m.setStatus(taskID, store.TaskDeciding, nil) {
		return
	}

	// 2. Decision: a bounded planner call with the sandboxed tools. The
	// slice comes out of the remaining total budget; overrunning it retries
	// once against whatever is left.
	tools := NewTools(userID, m.toolStore, m.agents, m.opts.ConversationTTL)
	decision, err := runStep(ctx, deadline, m.opts.PlannerBudget, func(stepCtx context.Context) (*ai.Decision, error) {
		return m.planner.Decide(stepCtx, ai.PlannerInput{
			History: history,
			Query:   query,
			Tools:   tools,
		})
	})
	if err != nil {
		m.failFromError(ctx, taskID, conversationID, err)
		return
	}

	// 3. Dispatch.
	switch decision.Type {
	case ai.DecisionDirectResponse, ai.DecisionClarifyingQuestion:
		surfaces := &ai.Surfaces{
			GlassesDisplay: decision.GlassesDisplay,
			WebviewContent: decision.WebviewContent,
		}
		m.finishTask(taskID, conversationID, string(decision.Type), "", surfaces)
		return

	case ai.DecisionSpawnAgent:
		m.runSpawnPath(ctx, deadline, taskID, userID, query, conversationID, history, decision)
		return

	default:
		m.failTask(taskID, conversationID, fault.CodeInternal,
			fmt.Sprintf("planner emitted unknown decision %q", decision.Type))
	}
}

// runSpawnPath executes the spawn → wait → synthesize leg.
func (m *Master) runSpawnPath(ctx context.Context, deadline time.Time, taskID, userID, query, conversationID, history string, decision *ai.Decision) {
	if !m.setStatus(taskID, store.TaskSpawning, func(task *store.Task) {
		task.Decision = string(ai.DecisionSpawnAgent)
	}) {
		return
	}

	agentID, err := m.agents.SpawnAgent(ctx, userID, decision.Goal, registry.SpawnOptions{
		WorkingDirectory: decision.WorkingDirectory,
	})
	if err != nil {
		m.failFromError(ctx, taskID, conversationID, err)
		return
	}

	if !m.setStatus(taskID, store.TaskWaiting, func(task *store.Task) {
		task.SpawnedAgentID = agentID
	}) {
		return
	}

	// Wait with whatever budget is left, reserving room for synthesis.
	remaining := time.Until(deadline) - m.opts.SynthesisBudget
	if remaining < time.Second {
		remaining = time.Second
	}
	agent, err := m.agents.WaitForCompletion(ctx, agentID, remaining)
	if err != nil {
		m.failFromError(ctx, taskID, conversationID, err)
		return
	}

	if !m.setStatus(taskID, store.TaskSynthesizing, nil) {
		return
	}

	surfaces, err := runStep(ctx, deadline, m.opts.SynthesisBudget, func(stepCtx context.Context) (*ai.Surfaces, error) {
		return m.synthesizer.Synthesize(stepCtx, ai.SynthesisInput{
			History:         history,
			Query:           query,
			Goal:            decision.Goal,
			AgentResult:     agent.Result,
			AgentError:      agent.Error,
			LastObservation: agent.LastObservation,
		})
	})
	if err != nil {
		m.failFromError(ctx, taskID, conversationID, err)
		return
	}

	m.finishTask(taskID, conversationID, string(ai.DecisionSpawnAgent), agentID, surfaces)
}

// finishTask records the dual-surface result and the assistant turn.
func (m *Master) finishTask(taskID, conversationID, decision, agentID string, surfaces *ai.Surfaces) {
	glasses := SanitizeGlasses(surfaces.GlassesDisplay)
	if glasses == "" {
		glasses = "Done."
	}
	webview := surfaces.WebviewContent
	if webview == "" {
		webview = glasses
	}

	ctx := context.Background()
	task, err := m.updateTask(ctx, taskID, func(task *store.Task) {
		if task.Status.Terminal() {
			return
		}
		task.Status = store.TaskDone
		task.Decision = decision
		if agentID != "" {
			task.SpawnedAgentID = agentID
		}
		task.Result = &store.TaskResult{
			GlassesDisplay: glasses,
			WebviewContent: webview,
		}
	})
	if err != nil {
		logging.Errorf("[MasterAgent] Persist done for %s: %v", taskID, err)
		return
	}
	if err := m.convs.AppendTurn(ctx, conversationID, "assistant", glasses, taskID); err != nil {
		logging.Errorf("[MasterAgent] Append assistant turn for %s: %v", taskID, err)
	}
	logging.Infof("[MasterAgent] Task %s done (%s)", taskID, task.Decision)
}

// runStep executes one pipeline step with a slice of the task budget:
// min(stepCap, time left to the task deadline). A step that exhausts its
// own slice does not fail the task while total budget remains — it gets one
// retry against everything that is left.
func runStep[T any](ctx context.Context, deadline time.Time, stepCap time.Duration, fn func(context.Context) (T, error)) (T, error) {
	out, err := runSlice(ctx, deadline, stepCap, fn)
	if err == nil || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return out, err
	}
	return runSlice(ctx, deadline, time.Until(deadline), fn)
}

func runSlice[T any](ctx context.Context, deadline time.Time, slice time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
	}
	if slice < 0 {
		slice = 0
	}
	stepCtx, cancel := context.WithTimeout(ctx, slice)
	defer cancel()
	return fn(stepCtx)
}

// failFromError maps an error to the task error surface, distinguishing
// budget exhaustion and cancellation.
func (m *Master) failFromError(ctx context.Context, taskID, conversationID string, err error) {
	code := fault.CodeOf(err)
	msg := err.Error()
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		code = fault.CodeCancelled
		msg = "task cancelled"
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		// Either the total budget is gone, or a step's retry ran to the
		// task deadline itself.
		code = fault.CodeTimeout
		msg = "task budget exhausted"
	}
	m.failTask(taskID, conversationID, code, msg)
}

// failTask converts any pipeline failure into a terminal error task with a
// short apology for the HUD and a diagnostic for the webview. The assistant
// turn is still appended so history reflects the outcome.
func (m *Master) failTask(taskID, conversationID, code, message string) {
	glasses := glassesApology(code)
	webview := fmt.Sprintf("**Something went wrong.**\n\n- code: `%s`\n- detail: %s\n", code, message)

	ctx := context.Background()
	_, err := m.updateTask(ctx, taskID, func(task *store.Task) {
		if task.Status.Terminal() {
			return
		}
		task.Status = store.TaskError
		task.ErrorCode = code
		task.ErrorMessage = message
		task.Result = &store.TaskResult{
			GlassesDisplay: glasses,
			WebviewContent: webview,
		}
	})
	if err != nil {
		logging.Errorf("[MasterAgent] Persist error state for %s: %v", taskID, err)
		return
	}
	if err := m.convs.AppendTurn(ctx, conversationID, "assistant", glasses, taskID); err != nil {
		logging.Errorf("[MasterAgent] Append assistant turn for %s: %v", taskID, err)
	}
	logging.Warnf("[MasterAgent] Task %s failed: %s (%s)", taskID, code, message)
}

// setStatus advances the task unless it already went terminal (e.g. a
// concurrent cancellation landed first). Returns false to stop the pipeline.
func (m *Master) setStatus(taskID string, status store.TaskStatus, extra func(*store.Task)) bool {
	task, err := m.updateTask(context.Background(), taskID, func(task *store.Task) {
		if task.Status.Terminal() {
			return
		}
		task.Status = status
		if extra != nil {
			extra(task)
		}
	})
	if err != nil {
		logging.Errorf("[MasterAgent] Transition %s -> %s: %v", taskID, status, err)
		return false
	}
	return task.Status == status
}

// updateTask serializes transitions per taskId: the durable write commits
// before the lock is released.
func (m *Master) updateTask(ctx context.Context, taskID string, mutate func(*store.Task)) (*store.Task, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()
	return m.tasks.UpdateTask(ctx, taskID, mutate)
}

func (m *Master) taskLock(taskID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.taskLocks[taskID] = lock
	}
	return lock
}

func glassesApology(code string) string {
	switch code {
	case fault.CodeDaemonUnavailable:
		return "Your desktop isn't connected right now."
	case fault.CodeQuotaExceeded:
		return "Too many agents are already running."
	case fault.CodeTimeout:
		return "Sorry, that took too long."
	case fault.CodeCancelled:
		return "Okay, cancelled."
	default:
		return "Sorry, something went wrong."
	}
}

// SanitizeGlasses enforces the HUD contract: plain text, no newlines, at
// most 100 Unicode scalar values.
func SanitizeGlasses(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > glassesMaxScalars {
		return string(runes[:glassesMaxScalars-1]) + "…"
	}
	return s
}
