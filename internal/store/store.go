// Package store is the MongoDB persistence layer: three collections
// (subagents, tasks, conversations) with optimistic-concurrency writes.
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

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a compare-and-swap write lost its race after
// exhausting retries.
var ErrConflict = errors.New("write conflict")

// casRetries bounds retries on optimistic-concurrency conflicts.
const casRetries = 3

// Store wraps the Mongo database and exposes the three collections.
type Store struct {
	db *mongo.Database

	subagents     *mongo.Collection
	tasks         *mongo.Collection
	conversations *mongo.Collection
}

// Connect dials MongoDB and prepares the collections.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(dbName)
	return &Store{
		db:            db,
		subagents:     db.Collection("subagents"),
		tasks:         db.Collection("tasks"),
		conversations: db.Collection("conversations"),
	}, nil
}

// EnsureIndexes creates the index set the query paths depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.subagents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "agentId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("subagent indexes: %w", err)
	}
	_, err = s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "taskId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("task indexes: %w", err)
	}
	_, err = s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "lastActivityAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	return nil
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func now() time.Time { return time.Now().UTC() }
