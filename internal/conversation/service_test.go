package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/lens/internal/store"
)

// fakeStore is an in-memory conversation store.
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*store.Conversation
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*store.Conversation)}
}

func (f *fakeStore) LatestConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Conversation
	for _, conv := range f.convs {
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

func (f *fakeStore) InsertConversation(ctx context.Context, conv *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv.CreatedAt = time.Now().UTC()
	conv.LastActivityAt = conv.CreatedAt
	cp := *conv
	f.convs[conv.ConversationID] = &cp
	return nil
}

func (f *fakeStore) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeStore) AppendTurn(ctx context.Context, conversationID string, turn store.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.Turns = append(conv.Turns, turn)
	conv.LastActivityAt = turn.Timestamp
	return nil
}

func TestGetOrCreateActiveCreates(t *testing.T) {
	svc := NewService(newFakeStore(), 4*time.Hour)

	conv, err := svc.GetOrCreateActive(context.Background(), "u@x")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ConversationID)
	assert.Equal(t, "u@x", conv.UserID)
}

func TestGetOrCreateActiveReuses(t *testing.T) {
	svc := NewService(newFakeStore(), 4*time.Hour)

	first, err := svc.GetOrCreateActive(context.Background(), "u@x")
	require.NoError(t, err)
	require.NoError(t, svc.AppendTurn(context.Background(), first.ConversationID, "user", "hello", ""))

	second, err := svc.GetOrCreateActive(context.Background(), "u@x")
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestGetOrCreateActiveExpires(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(fs, 4*time.Hour)

	first, err := svc.GetOrCreateActive(context.Background(), "u@x")
	require.NoError(t, err)

	// Age the conversation past the freshness window.
	fs.mu.Lock()
	fs.convs[first.ConversationID].LastActivityAt = time.Now().UTC().Add(-5 * time.Hour)
	fs.mu.Unlock()

	second, err := svc.GetOrCreateActive(context.Background(), "u@x")
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
}

func TestGetOrCreateActivePerUser(t *testing.T) {
	svc := NewService(newFakeStore(), 4*time.Hour)

	a, err := svc.GetOrCreateActive(context.Background(), "a@x")
	require.NoError(t, err)
	b, err := svc.GetOrCreateActive(context.Background(), "b@x")
	require.NoError(t, err)
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

func TestAppendTurnRejectsBadRole(t *testing.T) {
	svc := NewService(newFakeStore(), 4*time.Hour)
	conv, _ := svc.GetOrCreateActive(context.Background(), "u@x")

	assert.Error(t, svc.AppendTurn(context.Background(), conv.ConversationID, "system", "nope", ""))
}

func TestHistoryForPlannerTrims(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(fs, 4*time.Hour)
	conv, _ := svc.GetOrCreateActive(context.Background(), "u@x")

	for i := 0; i < 25; i++ {
		require.NoError(t, svc.AppendTurn(context.Background(), conv.ConversationID, "user", "message", ""))
	}

	history, err := svc.HistoryForPlanner(context.Background(), conv.ConversationID)
	require.NoError(t, err)

	stored, _ := fs.GetConversation(context.Background(), conv.ConversationID)
	assert.Len(t, stored.Turns, 25, "persistence keeps every turn")
	assert.Len(t, RecentTurns(stored.Turns), 20, "planner window is trimmed")
	assert.NotEmpty(t, history)
}

func TestFormatTurns(t *testing.T) {
	out := FormatTurns([]store.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	assert.Equal(t, "[user] hi\n[assistant] hello", out)
}
