package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 4 * 1024
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// HTTPClient talks to the task backend over HTTP.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Log     *log.Logger
}

// NewHTTPClient constructs a live client with a fixed transport timeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log.StandardLogger(),
	}
}

// List calls GET /tasks.
func (c *HTTPClient) List(ctx context.Context, nameFilter string) ([]domain.Task, error) {
	var query url.Values
	if nameFilter != "" {
		query = url.Values{"name": []string{nameFilter}}
	}
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", query, nil, nil, &tasks); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// Create validates req locally and then calls PUT /tasks. Invalid requests
// never reach the network.
func (c *HTTPClient) Create(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	if err := domain.ValidateCreate(req); err != nil {
		return domain.Task{}, err
	}
	header := http.Header{}
	header.Set(HeaderIdempotencyKey, uuid.NewString())

	var task domain.Task
	if err := c.do(ctx, http.MethodPut, "/tasks", nil, header, req.Normalize(), &task); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Delete calls DELETE /tasks/{id}.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, taskPath(id), nil, nil, nil, nil); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Execute calls PUT /tasks/{id}/execution and returns the backend's result
// unchanged.
func (c *HTTPClient) Execute(ctx context.Context, id string) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	if err := c.do(ctx, http.MethodPut, taskPath(id)+"/execution", nil, nil, nil, &res); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execute task %s: %w", id, err)
	}
	return res, nil
}

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, header http.Header, body, out any) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if c.Log != nil {
		c.Log.WithFields(log.Fields{
			"method":   method,
			"path":     path,
			"status":   resp.StatusCode,
			"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
		}).Debug("task api request")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, out)
}
