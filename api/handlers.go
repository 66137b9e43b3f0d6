package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
)

const healthTimeout = 2 * time.Second

// Deps are the collaborators of the task routes. Deduper, Limiter and
// Registry are optional.
type Deps struct {
	Store    Storage
	Auth     Authenticator
	Deduper  Deduper
	Exec     Executor
	Limiter  Limiter
	Registry *prometheus.Registry
	Log      *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Log == nil {
		d.Log = log.StandardLogger()
	}
	if d.Auth == nil {
		d.Auth = Anonymous{}
	}
	reg := d.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e.JSONSerializer = sonicSerializer{}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "taskdeck",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/metrics" || p == "/healthz"
		},
	}))

	em := newExecMetrics(reg)
	e.GET("/tasks", listTasks(d))
	e.PUT("/tasks", createTask(d))
	e.DELETE("/tasks/:id", deleteTask(d))
	e.PUT("/tasks/:id/execution", executeTask(d, em))
	e.GET("/healthz", healthz(d.Store))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
}

func healthz(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

// authenticate resolves the caller and records how long it took.
func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (string, bool, error) {
	start := time.Now()
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("auth")
		return "", false, c.String(http.StatusUnauthorized, err.Error())
	}
	return userID, true, nil
}

func listTasks(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Log, http.MethodGet, "/tasks", "tasks.list")
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		userID, ok, err := authenticate(c, d.Auth, metrics)
		if !ok {
			return err
		}

		filter := strings.TrimSpace(c.QueryParam("name"))
		metrics.SetFiltered(filter != "")

		start := time.Now()
		all, failure := d.Store.ListTasks(ctx, userID)
		metrics.ObserveStore(time.Since(start))
		if failure != nil {
			metrics.SetErrorStage("storage")
			return c.String(http.StatusInternalServerError, "failed to list tasks")
		}

		tasks := make([]domain.Task, 0, len(all))
		for _, t := range all {
			if domain.MatchesName(t, filter) {
				tasks = append(tasks, t)
			}
		}
		metrics.SetTasksReturned(len(tasks))

		if err = c.JSON(http.StatusOK, tasks); err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Log, http.MethodPut, "/tasks", "tasks.create")
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		userID, ok, err := authenticate(c, d.Auth, metrics)
		if !ok {
			return err
		}

		lr := io.LimitReader(c.Request().Body, createTaskMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req domain.CreateTaskRequest
		if err := dec.Decode(&req); err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if verr := domain.ValidateCreate(req); verr != nil {
			metrics.SetErrorStage("validation")
			var vErr *domain.ValidationError
			errors.As(verr, &vErr)
			return c.JSON(http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: vErr.Fields})
		}

		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		recorded := false
		if key != "" && d.Deduper != nil {
			added, derr := d.Deduper.Add(ctx, userID, key)
			switch {
			case derr != nil:
				// Dedupe is best effort; a Redis outage must not block creates.
				d.Log.WithError(derr).Warn("idempotency check failed")
			case !added:
				metrics.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate request")
			default:
				recorded = true
			}
		}

		task := domain.NewTask(uuid.NewString(), req, nowUTC())
		metrics.SetTaskID(task.ID)

		start := time.Now()
		failure = d.Store.InsertTask(ctx, userID, task)
		metrics.ObserveStore(time.Since(start))
		if failure != nil {
			if recorded {
				if rerr := d.Deduper.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					d.Log.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, key, userID)
				}
			}
			metrics.SetErrorStage("storage")
			return c.String(http.StatusInternalServerError, "failed to create task")
		}

		return c.JSON(http.StatusCreated, task)
	}
}

func deleteTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Log, http.MethodDelete, "/tasks/:id", "tasks.delete")
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		userID, ok, err := authenticate(c, d.Auth, metrics)
		if !ok {
			return err
		}
		id := c.Param("id")
		metrics.SetTaskID(id)

		start := time.Now()
		failure = d.Store.DeleteTask(ctx, userID, id)
		metrics.ObserveStore(time.Since(start))
		if failure != nil {
			metrics.SetErrorStage("storage")
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func executeTask(d Deps, em *execMetrics) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Log, http.MethodPut, "/tasks/:id/execution", "tasks.execute")
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		userID, ok, err := authenticate(c, d.Auth, metrics)
		if !ok {
			return err
		}
		id := c.Param("id")
		metrics.SetTaskID(id)

		if d.Limiter != nil && !d.Limiter.Allow() {
			em.reject()
			metrics.SetErrorStage("rate_limited")
			return c.String(http.StatusTooManyRequests, "too many executions")
		}

		start := time.Now()
		task, gerr := d.Store.GetTask(ctx, userID, id)
		metrics.ObserveStore(time.Since(start))
		if gerr != nil {
			if errors.Is(gerr, domain.ErrTaskNotFound) {
				metrics.SetErrorStage("not_found")
				return c.String(http.StatusNotFound, gerr.Error())
			}
			failure = gerr
			metrics.SetErrorStage("storage")
			return c.String(http.StatusInternalServerError, "failed to load task")
		}

		start = time.Now()
		res, failure := d.Exec.Run(ctx, task.Command)
		elapsed := time.Since(start)
		metrics.ObserveExec(elapsed)
		if failure != nil {
			metrics.SetErrorStage("exec")
			return c.String(http.StatusInternalServerError, "execution aborted")
		}
		em.observe(res.ExitCode, elapsed)

		start = time.Now()
		if rerr := d.Store.RecordExecution(context.WithoutCancel(ctx), userID, task.ID, res); rerr != nil {
			d.Log.WithError(rerr).WithField("task", task.ID).Warn("record execution failed")
		}
		metrics.ObserveStore(time.Since(start))

		return c.JSON(http.StatusOK, res)
	}
}
