// Package conversation owns the per-user dialog history: the append-only
// audit trail and the short-term memory handed to planners.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/lens/internal/store"
)

// maxPlannerTurns bounds the history returned for prompting. Older turns
// stay in persistence but are never fed to models.
const maxPlannerTurns = 20

// Store is the persistence surface the service needs.
type Store interface {
	LatestConversation(ctx context.Context, userID string) (*store.Conversation, error)
	InsertConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, turn store.Turn) error
}

// Service selects the active conversation and appends turns. It is the only
// component that mutates conversations.
type Service struct {
	store Store
	ttl   time.Duration
}

// NewService creates the service. ttl is the freshness window that keeps a
// conversation active.
func NewService(st Store, ttl time.Duration) *Service {
	return &Service{store: st, ttl: ttl}
}

// GetOrCreateActive returns the user's active conversation: the most recent
// one whose lastActivityAt is inside the freshness window, or a new one.
func (s *Service) GetOrCreateActive(ctx context.Context, userID string) (*store.Conversation, error) {
	latest, err := s.store.LatestConversation(ctx, userID)
	switch {
	case err == nil:
		if store.ActiveWithin(latest, s.ttl, time.Now().UTC()) {
			return latest, nil
		}
		// Latest is stale; it becomes an immutable archive.
	case errors.Is(err, store.ErrNotFound):
		// First conversation for this user.
	default:
		return nil, fmt.Errorf("load latest conversation: %w", err)
	}

	conv := &store.Conversation{
		ConversationID: uuid.NewString(),
		UserID:         userID,
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// AppendTurn appends one turn and bumps lastActivityAt.
func (s *Service) AppendTurn(ctx context.Context, conversationID, role, content, taskID string) error {
	if role != "user" && role != "assistant" {
		return fmt.Errorf("invalid turn role %q", role)
	}
	return s.store.AppendTurn(ctx, conversationID, store.Turn{
		Role:             role,
		Content:          content,
		Timestamp:        time.Now().UTC(),
		AssociatedTaskID: taskID,
	})
}

// HistoryForPlanner formats the last turns for the planner prompt.
func (s *Service) HistoryForPlanner(ctx context.Context, conversationID string) (string, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	return FormatTurns(RecentTurns(conv.Turns)), nil
}

// RecentTurns trims to the planner window.
func RecentTurns(turns []store.Turn) []store.Turn {
	if len(turns) > maxPlannerTurns {
		return turns[len(turns)-maxPlannerTurns:]
	}
	return turns
}

// FormatTurns renders turns as planner context lines.
func FormatTurns(turns []store.Turn) string {
	var sb strings.Builder
	for i, turn := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", turn.Role, turn.Content)
	}
	return sb.String()
}
