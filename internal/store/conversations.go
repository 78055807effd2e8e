package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// InsertConversation creates a fresh conversation.
func (s *Store) InsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.ConversationID == "" || conv.UserID == "" {
		return fmt.Errorf("conversation requires conversationId and userId")
	}
	conv.CreatedAt = now()
	conv.LastActivityAt = conv.CreatedAt
	if conv.Turns == nil {
		conv.Turns = []Turn{}
	}
	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		return fmt.Errorf("insert conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"conversationId": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// LatestConversation returns the user's most recent conversation by
// lastActivityAt, or ErrNotFound.
func (s *Store) LatestConversation(ctx context.Context, userID string) (*Conversation, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "lastActivityAt", Value: -1}})
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"userId": userID}, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation for %s: %w", userID, err)
	}
	return &conv, nil
}

// AppendTurn pushes one turn and bumps lastActivityAt in a single write, so
// concurrent appends both land and freshness tracks the latest append.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now()
	}
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"conversationId": conversationID},
		bson.M{
			"$push": bson.M{"turns": turn},
			"$set":  bson.M{"lastActivityAt": turn.Timestamp},
		},
	)
	if err != nil {
		return fmt.Errorf("append turn to %s: %w", conversationID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveWithin reports whether the conversation's lastActivityAt falls
// inside the freshness window ending at ref.
func ActiveWithin(conv *Conversation, ttl time.Duration, ref time.Time) bool {
	return ref.Sub(conv.LastActivityAt) <= ttl
}
