package domain

import "time"

// Task is a named shell command managed by the system.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateTaskRequest is the body of PUT /tasks.
type CreateTaskRequest struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// ExecutionResult is produced by a single execution of a task. It is never
// stored on the task itself.
type ExecutionResult struct {
	Output     string    `json:"output"`
	ExitCode   int       `json:"exitCode"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Normalize trims surrounding whitespace from every field.
func (r CreateTaskRequest) Normalize() CreateTaskRequest {
	return CreateTaskRequest{
		Name:        trim(r.Name),
		Command:     trim(r.Command),
		Description: trim(r.Description),
	}
}

// NewTask builds a task from a validated request.
func NewTask(id string, req CreateTaskRequest, now time.Time) Task {
	req = req.Normalize()
	return Task{
		ID:          id,
		Name:        req.Name,
		Command:     req.Command,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
