package api

import (
	"context"

	"taskdeck/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	// ListTasks returns every task of the user, newest first.
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	InsertTask(ctx context.Context, userID string, task domain.Task) error
	DeleteTask(ctx context.Context, userID, id string) error
	RecordExecution(ctx context.Context, userID, taskID string, res domain.ExecutionResult) error
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Executor runs a task command.
type Executor interface {
	Run(ctx context.Context, command string) (domain.ExecutionResult, error)
}

// Limiter gates task executions.
type Limiter interface {
	Allow() bool
}
