package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/neboloop/lens/internal/logging"
)

// CreateSubAgent inserts a new record in spawning state. The record exists
// before the spawn command is sent so a completion can never arrive for an
// unknown agent.
func (s *Store) CreateSubAgent(ctx context.Context, agent *SubAgent) error {
	if agent.AgentID == "" || agent.UserID == "" {
		return fmt.Errorf("subagent requires agentId and userId")
	}
	agent.Status = AgentSpawning
	agent.CreatedAt = now()
	agent.UpdatedAt = agent.CreatedAt
	agent.Version = 1
	if _, err := s.subagents.InsertOne(ctx, agent); err != nil {
		return fmt.Errorf("insert subagent %s: %w", agent.AgentID, err)
	}
	return nil
}

// GetSubAgent loads one record by agentId.
func (s *Store) GetSubAgent(ctx context.Context, agentID string) (*SubAgent, error) {
	var agent SubAgent
	err := s.subagents.FindOne(ctx, bson.M{"agentId": agentID}).Decode(&agent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subagent %s: %w", agentID, err)
	}
	return &agent, nil
}

// ListSubAgents returns the user's agents, newest first.
func (s *Store) ListSubAgents(ctx context.Context, userID string, limit int) ([]SubAgent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.subagents.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list subagents for %s: %w", userID, err)
	}
	var agents []SubAgent
	if err := cur.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("decode subagents: %w", err)
	}
	return agents, nil
}

// CountActiveSubAgents counts the user's non-terminal agents (quota check).
func (s *Store) CountActiveSubAgents(ctx context.Context, userID string) (int, error) {
	n, err := s.subagents.CountDocuments(ctx, bson.M{
		"userId": userID,
		"status": bson.M{"$nin": terminalStatuses},
	})
	if err != nil {
		return 0, fmt.Errorf("count active subagents for %s: %w", userID, err)
	}
	return int(n), nil
}

// UpdateSubAgentStatus moves a non-terminal agent to a new observed status.
// Updates against a terminal record are dropped with a warning; the state
// machine is monotonic.
func (s *Store) UpdateSubAgentStatus(ctx context.Context, agentID string, status SubAgentStatus, observation string) error {
	set := bson.M{"status": status, "updatedAt": now()}
	if observation != "" {
		set["lastObservation"] = observation
	}
	res, err := s.subagents.UpdateOne(ctx,
		bson.M{"agentId": agentID, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return fmt.Errorf("update subagent %s status: %w", agentID, err)
	}
	if res.MatchedCount == 0 {
		// Either unknown agent or already terminal.
		if _, getErr := s.GetSubAgent(ctx, agentID); getErr != nil {
			return getErr
		}
		logging.Warnf("[Store] Dropping status update for terminal subagent %s (-> %s)", agentID, status)
	}
	return nil
}

// CompleteSubAgent records a terminal outcome. The first terminal event
// wins; later ones are dropped with a warning and the stored record is
// returned unchanged.
func (s *Store) CompleteSubAgent(ctx context.Context, agentID string, status SubAgentStatus, result, errMsg string) (*SubAgent, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete requires a terminal status, got %s", status)
	}
	ts := now()
	set := bson.M{
		"status":      status,
		"updatedAt":   ts,
		"completedAt": ts,
	}
	if result != "" {
		set["result"] = result
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	res, err := s.subagents.UpdateOne(ctx,
		bson.M{"agentId": agentID, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return nil, fmt.Errorf("complete subagent %s: %w", agentID, err)
	}
	if res.MatchedCount == 0 {
		agent, getErr := s.GetSubAgent(ctx, agentID)
		if getErr != nil {
			return nil, getErr
		}
		logging.Warnf("[Store] Dropping duplicate terminal event for subagent %s (already %s)", agentID, agent.Status)
		return agent, nil
	}
	return s.GetSubAgent(ctx, agentID)
}

// ReapStaleSubAgents fails non-terminal agents older than cutoff whose
// daemon never reported back. Returns the number of records reaped.
func (s *Store) ReapStaleSubAgents(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	ts := now()
	res, err := s.subagents.UpdateMany(ctx,
		bson.M{
			"status":    bson.M{"$nin": terminalStatuses},
			"updatedAt": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":      AgentFailed,
			"error":       reason,
			"updatedAt":   ts,
			"completedAt": ts,
		}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale subagents: %w", err)
	}
	return int(res.ModifiedCount), nil
}
