package storage

import (
	"context"
	"sync"

	"taskdeck/domain"
)

// Memory keeps tasks in process memory. It is used when no storage
// connection string is configured.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string][]domain.Task // per user, newest first
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string][]domain.Task{}}
}

func (m *Memory) ListTasks(_ context.Context, userID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Task{}, m.tasks[userID]...), nil
}

func (m *Memory) GetTask(_ context.Context, userID, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks[userID] {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, domain.ErrTaskNotFound
}

func (m *Memory) InsertTask(_ context.Context, userID string, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[userID] = append([]domain.Task{task}, m.tasks[userID]...)
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks[userID]
	for i, t := range tasks {
		if t.ID == id {
			m.tasks[userID] = append(tasks[:i:i], tasks[i+1:]...)
			break
		}
	}
	return nil
}

// RecordExecution is a no-op; the in-memory backend keeps no execution log.
func (m *Memory) RecordExecution(context.Context, string, string, domain.ExecutionResult) error {
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
