package store

import "time"

// SubAgentStatus is the server's view of a spawned terminal agent.
type SubAgentStatus string

const (
	AgentSpawning      SubAgentStatus = "spawning"
	AgentRunning       SubAgentStatus = "running"
	AgentAwaitingInput SubAgentStatus = "awaiting_input"
	AgentCompleted     SubAgentStatus = "completed"
	AgentFailed        SubAgentStatus = "failed"
	AgentKilled        SubAgentStatus = "killed"
)

// Terminal reports whether the status is final. A subagent never leaves a
// terminal state.
func (s SubAgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentKilled
}

// terminalStatuses is the filter list used to guard status writes.
var terminalStatuses = []SubAgentStatus{AgentCompleted, AgentFailed, AgentKilled}

// SubAgent is one CLI-driven work unit executed on the user's desktop.
type SubAgent struct {
	AgentID          string         `bson:"agentId" json:"agentId"`
	UserID           string         `bson:"userId" json:"userId"`
	Status           SubAgentStatus `bson:"status" json:"status"`
	Goal             string         `bson:"goal" json:"goal"`
	WorkingDirectory string         `bson:"workingDirectory,omitempty" json:"workingDirectory,omitempty"`
	CreatedAt        time.Time      `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time      `bson:"updatedAt" json:"updatedAt"`
	CompletedAt      *time.Time     `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	Result           string         `bson:"result,omitempty" json:"result,omitempty"`
	Error            string         `bson:"error,omitempty" json:"error,omitempty"`
	LastObservation  string         `bson:"lastObservation,omitempty" json:"lastObservation,omitempty"`
	Version          int64          `bson:"version" json:"-"`
}

// TaskStatus is the lifecycle of a user-visible unit of work.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskDeciding     TaskStatus = "deciding"
	TaskSpawning     TaskStatus = "spawning"
	TaskWaiting      TaskStatus = "waiting"
	TaskSynthesizing TaskStatus = "synthesizing"
	TaskDone         TaskStatus = "done"
	TaskError        TaskStatus = "error"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError
}

// TaskResult is the dual-surface answer every terminal decision produces.
type TaskResult struct {
	GlassesDisplay string `bson:"glassesDisplay" json:"glassesDisplay"`
	WebviewContent string `bson:"webviewContent" json:"webviewContent"`
}

// Task is the persisted record behind one submitted query.
type Task struct {
	TaskID         string      `bson:"taskId" json:"taskId"`
	UserID         string      `bson:"userId" json:"userId"`
	Query          string      `bson:"query" json:"query"`
	Status         TaskStatus  `bson:"status" json:"status"`
	Decision       string      `bson:"decision,omitempty" json:"decision,omitempty"`
	SpawnedAgentID string      `bson:"spawnedAgentId,omitempty" json:"spawnedAgentId,omitempty"`
	Result         *TaskResult `bson:"result,omitempty" json:"result,omitempty"`
	ErrorCode      string      `bson:"errorCode,omitempty" json:"errorCode,omitempty"`
	ErrorMessage   string      `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt      time.Time   `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time   `bson:"updatedAt" json:"updatedAt"`
	Version        int64       `bson:"version" json:"-"`
}

// Turn is one message inside a conversation.
type Turn struct {
	Role             string    `bson:"role" json:"role"`
	Content          string    `bson:"content" json:"content"`
	Timestamp        time.Time `bson:"timestamp" json:"timestamp"`
	AssociatedTaskID string    `bson:"associatedTaskId,omitempty" json:"associatedTaskId,omitempty"`
}

// Conversation is the per-user dialog history. One conversation per user is
// active at a time; older ones become immutable archives.
type Conversation struct {
	ConversationID string    `bson:"conversationId" json:"conversationId"`
	UserID         string    `bson:"userId" json:"userId"`
	Turns          []Turn    `bson:"turns" json:"turns"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	LastActivityAt time.Time `bson:"lastActivityAt" json:"lastActivityAt"`
}
