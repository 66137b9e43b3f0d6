package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"taskdeck/domain"
)

// MockClient simulates the backend in memory. It is used when no backend URL
// is configured.
type MockClient struct {
	Latency time.Duration

	mu     sync.Mutex
	tasks  []domain.Task // newest first
	lastID int64
	now    func() time.Time
}

// NewMockClient returns an empty mock store that waits latency before every
// operation.
func NewMockClient(latency time.Duration) *MockClient {
	return &MockClient{Latency: latency, now: time.Now}
}

// Seed replaces the store contents. Tasks are kept in the given order.
// Numeric ids raise the id counter so later creates cannot collide with them.
func (m *MockClient) Seed(tasks ...domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]domain.Task(nil), tasks...)
	for _, t := range tasks {
		if id, err := strconv.ParseInt(t.ID, 10, 64); err == nil && id > m.lastID {
			m.lastID = id
		}
	}
}

func (m *MockClient) List(ctx context.Context, nameFilter string) ([]domain.Task, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if domain.MatchesName(t, nameFilter) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockClient) Create(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	if err := domain.ValidateCreate(req); err != nil {
		return domain.Task{}, err
	}
	if err := m.wait(ctx); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	task := domain.NewTask(m.nextID(now), req, now)
	m.tasks = append([]domain.Task{task}, m.tasks...)
	return task, nil
}

func (m *MockClient) Delete(ctx context.Context, id string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockClient) Execute(ctx context.Context, id string) (domain.ExecutionResult, error) {
	if err := m.wait(ctx); err != nil {
		return domain.ExecutionResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return domain.ExecutionResult{
				Output:     MockOutput(t.Command),
				ExitCode:   0,
				ExecutedAt: m.now(),
			}, nil
		}
	}
	return domain.ExecutionResult{}, domain.ErrTaskNotFound
}

// MockOutput is the synthetic output of a mock execution.
func MockOutput(command string) string {
	return "Executing: " + command + "\nTask completed successfully"
}

// nextID derives an id from the current time in milliseconds, bumped to stay
// unique when two tasks are created within the same millisecond.
// Caller holds m.mu.
func (m *MockClient) nextID(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= m.lastID {
		ms = m.lastID + 1
	}
	m.lastID = ms
	return strconv.FormatInt(ms, 10)
}

func (m *MockClient) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
