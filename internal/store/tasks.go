package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateTask inserts a new task in pending state.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.TaskID == "" || task.UserID == "" {
		return fmt.Errorf("task requires taskId and userId")
	}
	task.Status = TaskPending
	task.CreatedAt = now()
	task.UpdatedAt = task.CreatedAt
	task.Version = 1
	if _, err := s.tasks.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}
	return nil
}

// GetTask loads one task by taskId.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.tasks.FindOne(ctx, bson.M{"taskId": taskID}).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", taskID, err)
	}
	return &task, nil
}

// ListRecentTasks returns the user's most recent tasks, newest first.
func (s *Store) ListRecentTasks(ctx context.Context, userID string, limit int) ([]Task, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.tasks.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", userID, err)
	}
	var tasks []Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies mutate to the current record and writes it back with a
// compare-and-swap on the version counter, retrying a bounded number of
// times on contention.
func (s *Store) UpdateTask(ctx context.Context, taskID string, mutate func(*Task)) (*Task, error) {
	for attempt := 0; attempt <= casRetries; attempt++ {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		version := task.Version
		mutate(task)
		task.UpdatedAt = now()
		task.Version = version + 1

		res, err := s.tasks.ReplaceOne(ctx,
			bson.M{"taskId": taskID, "version": version},
			task,
		)
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", taskID, err)
		}
		if res.ModifiedCount == 1 {
			return task, nil
		}
		// Lost the race; reload and retry.
	}
	return nil, fmt.Errorf("update task %s: %w", taskID, ErrConflict)
}
