package client

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMockLatency = 300 * time.Millisecond
)

// TaskAPI is the set of operations the view layer performs against tasks.
type TaskAPI interface {
	// List returns tasks whose name contains nameFilter, ignoring case. An
	// empty filter returns every task.
	List(ctx context.Context, nameFilter string) ([]domain.Task, error)
	Create(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error)
	// Delete removes the task. Deleting an absent task is not an error.
	Delete(ctx context.Context, id string) error
	Execute(ctx context.Context, id string) (domain.ExecutionResult, error)
}

// Config selects and tunes the client implementation.
type Config struct {
	// BaseURL of the backend. Empty selects mock mode.
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MockLatency time.Duration
	Logger      *log.Logger
}

// Mock reports whether cfg selects the in-memory client.
func (cfg Config) Mock() bool { return cfg.BaseURL == "" }

// New returns the live client when a base URL is configured and the mock
// client otherwise. The choice is fixed for the lifetime of the returned value.
func New(cfg Config) TaskAPI {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Mock() {
		logger.WithField("latency", cfg.MockLatency).Info("no api url configured, using mock task api")
		return NewMockClient(cfg.MockLatency)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := NewHTTPClient(cfg.BaseURL, cfg.Token, timeout)
	c.Log = logger
	return c
}
