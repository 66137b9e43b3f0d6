package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
	"taskdeck/storage"
)

type mockStore struct {
	mu        sync.Mutex
	tasks     []domain.Task
	inserted  []domain.Task
	deleted   []string
	records   []domain.ExecutionResult
	lastUser  string
	err       error
	recordErr error
}

func (m *mockStore) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	return append([]domain.Task{}, m.tasks...), m.err
}

func (m *mockStore) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	if m.err != nil {
		return domain.Task{}, m.err
	}
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, domain.ErrTaskNotFound
}

func (m *mockStore) InsertTask(ctx context.Context, userID string, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, task)
	return nil
}

func (m *mockStore) DeleteTask(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = userID
	m.deleted = append(m.deleted, id)
	return m.err
}

func (m *mockStore) RecordExecution(ctx context.Context, userID, taskID string, res domain.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, res)
	return m.recordErr
}

func (m *mockStore) Ping(context.Context) error { return m.err }

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type denyAuth struct{}

func (denyAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errors.New("missing authorization header")
}

type stubExecutor struct {
	command string
	result  domain.ExecutionResult
	err     error
}

func (s *stubExecutor) Run(ctx context.Context, command string) (domain.ExecutionResult, error) {
	s.command = command
	return s.result, s.err
}

type fixedLimiter bool

func (f fixedLimiter) Allow() bool { return bool(f) }

type memDeduper struct {
	mu      sync.Mutex
	keys    map[string]bool
	removed []string
	err     error
}

func (m *memDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[userID+":"+key] {
		return false, nil
	}
	m.keys[userID+":"+key] = true
	return true, nil
}

func (m *memDeduper) Remove(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, userID+":"+key)
	m.removed = append(m.removed, key)
	return nil
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, path, id string) {
	c.SetPath(path)
	c.SetParamNames("id")
	c.SetParamValues(id)
}

func TestListTasksFiltersByName(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{
		{ID: "1", Name: "Run Tests"},
		{ID: "2", Name: "deploy"},
		{ID: "3", Name: "latest-build"},
	}}
	c, rec := newContext(http.MethodGet, "/tasks?name=TEST", "")

	if err := listTasks(Deps{Store: store, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "1" || tasks[1].ID != "3" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if store.lastUser != "user" {
		t.Fatalf("expected user to be forwarded, got %q", store.lastUser)
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/tasks", "")

	if err := listTasks(Deps{Store: &mockStore{}, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}
}

func TestListTasksStorageError(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/tasks", "")

	if err := listTasks(Deps{Store: &mockStore{err: errors.New("down")}, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func TestListTasksUnauthorized(t *testing.T) {
	store := &mockStore{}
	c, rec := newContext(http.MethodGet, "/tasks", "")

	if err := listTasks(Deps{Store: store, Auth: denyAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
	if store.lastUser != "" {
		t.Fatal("expected store not to be called")
	}
}

func TestCreateTask(t *testing.T) {
	store := &mockStore{}
	c, rec := newContext(http.MethodPut, "/tasks", `{"name":" build ","command":"make","description":"compile"}`)

	if err := createTask(Deps{Store: store, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.ID == "" || task.Name != "build" || task.Command != "make" || task.Description != "compile" {
		t.Fatalf("unexpected task: %#v", task)
	}
	if task.CreatedAt.IsZero() || !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("expected matching timestamps, got %#v", task)
	}
	if len(store.inserted) != 1 || store.inserted[0].ID != task.ID {
		t.Fatalf("expected task to be stored, got %#v", store.inserted)
	}
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"short name":    `{"name":"a","command":"ls"}`,
		"empty command": `{"name":"ok","command":""}`,
		"long command":  `{"name":"ok","command":"` + strings.Repeat("c", 501) + `"}`,
		"unknown field": `{"name":"ok","command":"ls","extra":true}`,
		"not json":      `name=ok`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := &mockStore{}
			c, rec := newContext(http.MethodPut, "/tasks", body)

			if err := createTask(Deps{Store: store, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
			if len(store.inserted) != 0 {
				t.Fatal("expected nothing to be stored")
			}
		})
	}
}

func TestCreateTaskValidationReportsFields(t *testing.T) {
	c, rec := newContext(http.MethodPut, "/tasks", `{"name":"a","command":""}`)

	if err := createTask(Deps{Store: &mockStore{}, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if _, ok := resp.Fields["name"]; !ok {
		t.Fatalf("expected name field error, got %#v", resp)
	}
	if _, ok := resp.Fields["command"]; !ok {
		t.Fatalf("expected command field error, got %#v", resp)
	}
}

func TestCreateTaskDuplicateIdempotencyKey(t *testing.T) {
	store := &mockStore{}
	deduper := &memDeduper{}
	deps := Deps{Store: store, Auth: mockAuth{}, Deduper: deduper, Log: quietLogger()}

	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		c, rec := newContext(http.MethodPut, "/tasks", `{"name":"dup","command":"true"}`)
		c.Request().Header.Set(HeaderIdempotencyKey, "key-1")
		if err := createTask(deps)(c); err != nil {
			t.Fatalf("call %d returned error: %v", i, err)
		}
		if rec.Code != want {
			t.Fatalf("call %d: expected status %d got %d", i, want, rec.Code)
		}
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected a single insert, got %d", len(store.inserted))
	}
}

func TestCreateTaskWithoutKeyIsNotDeduplicated(t *testing.T) {
	store := &mockStore{}
	deps := Deps{Store: store, Auth: mockAuth{}, Deduper: &memDeduper{}, Log: quietLogger()}

	for i := 0; i < 2; i++ {
		c, rec := newContext(http.MethodPut, "/tasks", `{"name":"dup","command":"true"}`)
		if err := createTask(deps)(c); err != nil {
			t.Fatalf("call %d returned error: %v", i, err)
		}
		if rec.Code != http.StatusCreated {
			t.Fatalf("call %d: expected status 201 got %d", i, rec.Code)
		}
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected two inserts, got %d", len(store.inserted))
	}
}

func TestCreateTaskRollsBackKeyOnStorageError(t *testing.T) {
	deduper := &memDeduper{}
	c, rec := newContext(http.MethodPut, "/tasks", `{"name":"ok","command":"true"}`)
	c.Request().Header.Set(HeaderIdempotencyKey, "key-2")

	deps := Deps{Store: &mockStore{err: errors.New("down")}, Auth: mockAuth{}, Deduper: deduper, Log: quietLogger()}
	if err := createTask(deps)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "key-2" {
		t.Fatalf("expected key rollback, got %#v", deduper.removed)
	}
}

func TestCreateTaskDeduperOutageStillCreates(t *testing.T) {
	store := &mockStore{}
	c, rec := newContext(http.MethodPut, "/tasks", `{"name":"ok","command":"true"}`)
	c.Request().Header.Set(HeaderIdempotencyKey, "key-3")

	deps := Deps{Store: store, Auth: mockAuth{}, Deduper: &memDeduper{err: errors.New("redis down")}, Log: quietLogger()}
	if err := createTask(deps)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated || len(store.inserted) != 1 {
		t.Fatalf("expected create despite deduper error, status=%d inserts=%d", rec.Code, len(store.inserted))
	}
}

func TestDeleteTask(t *testing.T) {
	store := &mockStore{}
	c, rec := newContext(http.MethodDelete, "/tasks/abc", "")
	withID(c, "/tasks/:id", "abc")

	if err := deleteTask(Deps{Store: store, Auth: mockAuth{}, Log: quietLogger()})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "abc" {
		t.Fatalf("unexpected deletes: %#v", store.deleted)
	}
}

func TestExecuteTask(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{{ID: "t1", Command: "echo hi"}}}
	exec := &stubExecutor{result: domain.ExecutionResult{Output: "hi\n", ExitCode: 0, ExecutedAt: time.Unix(5, 0).UTC()}}
	c, rec := newContext(http.MethodPut, "/tasks/t1/execution", "")
	withID(c, "/tasks/:id/execution", "t1")

	deps := Deps{Store: store, Auth: mockAuth{}, Exec: exec, Log: quietLogger()}
	if err := executeTask(deps, newExecMetrics(prometheus.NewRegistry()))(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if exec.command != "echo hi" {
		t.Fatalf("expected task command to run, got %q", exec.command)
	}
	var res domain.ExecutionResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if res.Output != "hi\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected execution to be recorded, got %d", len(store.records))
	}
}

func TestExecuteTaskRecordFailureStillSucceeds(t *testing.T) {
	store := &mockStore{tasks: []domain.Task{{ID: "t1", Command: "true"}}, recordErr: errors.New("queue down")}
	c, rec := newContext(http.MethodPut, "/tasks/t1/execution", "")
	withID(c, "/tasks/:id/execution", "t1")

	deps := Deps{Store: store, Auth: mockAuth{}, Exec: &stubExecutor{}, Log: quietLogger()}
	if err := executeTask(deps, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}

func TestExecuteTaskNotFound(t *testing.T) {
	exec := &stubExecutor{}
	c, rec := newContext(http.MethodPut, "/tasks/nope/execution", "")
	withID(c, "/tasks/:id/execution", "nope")

	deps := Deps{Store: &mockStore{}, Auth: mockAuth{}, Exec: exec, Log: quietLogger()}
	if err := executeTask(deps, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	if exec.command != "" {
		t.Fatal("expected executor not to run")
	}
}

func TestExecuteTaskRateLimited(t *testing.T) {
	exec := &stubExecutor{}
	c, rec := newContext(http.MethodPut, "/tasks/t1/execution", "")
	withID(c, "/tasks/:id/execution", "t1")

	store := &mockStore{tasks: []domain.Task{{ID: "t1", Command: "true"}}}
	deps := Deps{Store: store, Auth: mockAuth{}, Exec: exec, Limiter: fixedLimiter(false), Log: quietLogger()}
	if err := executeTask(deps, nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 got %d", rec.Code)
	}
	if exec.command != "" {
		t.Fatal("expected executor not to run")
	}
}

func TestHealthz(t *testing.T) {
	for _, tc := range []struct {
		store *mockStore
		want  int
	}{
		{store: &mockStore{}, want: http.StatusOK},
		{store: &mockStore{err: errors.New("down")}, want: http.StatusServiceUnavailable},
	} {
		c, rec := newContext(http.MethodGet, "/healthz", "")
		if err := healthz(tc.store)(c); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		if rec.Code != tc.want {
			t.Fatalf("expected status %d got %d", tc.want, rec.Code)
		}
	}
}

func TestRegisterServesRESTSurface(t *testing.T) {
	e := echo.New()
	exec := &stubExecutor{result: domain.ExecutionResult{Output: "done", ExitCode: 0}}
	Register(e, Deps{Store: storage.NewMemory(), Exec: exec, Log: quietLogger()})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	do := func(method, path, body string) *http.Response {
		t.Helper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, srv.URL+path, reader)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if body != "" {
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPut, "/tasks", `{"name":"hello","command":"echo hello"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d", resp.StatusCode)
	}
	var created domain.Task
	data, _ := io.ReadAll(resp.Body)
	if err := sonic.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	if resp := do(http.MethodPut, "/tasks/"+created.ID+"/execution", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: expected 200 got %d", resp.StatusCode)
	}
	if resp := do(http.MethodDelete, "/tasks/"+created.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204 got %d", resp.StatusCode)
	}

	resp = do(http.MethodGet, "/tasks", "")
	data, _ = io.ReadAll(resp.Body)
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty list after delete, got %s", data)
	}

	resp = do(http.MethodGet, "/metrics", "")
	data, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `taskdeck_executions_total{exit_code="0"} 1`) {
		t.Fatalf("expected execution counter in metrics output")
	}
}
