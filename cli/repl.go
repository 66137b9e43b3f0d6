package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskdeck/client"
	"taskdeck/domain"
)

const (
	msgCreated      = "Task created successfully!"
	msgCreateFailed = "Failed to create task. Please try again."
	msgFetchFailed  = "Failed to fetch tasks. Please try again."
	msgDeleted      = "Task deleted successfully!"
	msgDeleteFailed = "Failed to delete task. Please try again."
	msgExecuted     = "Task executed successfully!"
	msgExecFailed   = "Failed to execute task. Please try again."
)

// REPL is the interactive task view. It keeps the current search term and the
// last fetched list; every mutation is followed by a re-fetch with that term.
type REPL struct {
	Config Config
	Client client.TaskAPI
	Log    *log.Logger
	In     io.Reader
	Out    io.Writer

	term  string
	tasks []domain.Task
	page  int
}

// New constructs a REPL reading stdin and writing stdout.
func New(cfg Config, api client.TaskAPI, logger *log.Logger) *REPL {
	return &REPL{Config: cfg, Client: api, Log: logger, In: os.Stdin, Out: os.Stdout}
}

// Term returns the current search term.
func (r *REPL) Term() string { return r.term }

// Tasks returns the list shown by the last successful fetch.
func (r *REPL) Tasks() []domain.Task { return r.tasks }

// Page returns the 1-based page of the list currently shown.
func (r *REPL) Page() int { return clampPage(r.page, len(r.tasks)) }

// Run shows the initial list and processes commands until exit, EOF or ctx
// cancellation. Cancellation interrupts a pending read.
func (r *REPL) Run(ctx context.Context) {
	if r.In == nil {
		r.In = os.Stdin
	}
	if r.Out == nil {
		r.Out = os.Stdout
	}
	if r.Log == nil {
		r.Log = log.StandardLogger()
	}

	Banner(r.Out, r.Config)
	r.refresh(ctx)

	done := make(chan struct{})
	defer close(done)
	lines, errc := readLines(r.In, done)

	for ctx.Err() == nil {
		fmt.Fprint(r.Out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.Out)
			return
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					r.Log.WithError(err).Error("read input")
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if r.Handle(ctx, line) {
				return
			}
		}
	}
}

// readLines scans in on its own goroutine so the caller can stop waiting on
// a terminal read. A read already blocked on stdin stays blocked until input
// arrives or the process exits.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// Handle executes one command line and reports whether the loop should stop.
func (r *REPL) Handle(ctx context.Context, line string) bool {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "exit", "quit":
		return true
	case "help":
		Help(r.Out)
	case "list", "ls", "search":
		r.term = args
		r.page = 1
		r.refresh(ctx)
	case "refresh":
		r.refresh(ctx)
	case "page":
		n, err := strconv.Atoi(args)
		if err != nil {
			Info(r.Out, "usage: page <n>")
			return false
		}
		r.showPage(n)
	case "next":
		r.showPage(r.Page() + 1)
	case "prev":
		r.showPage(r.Page() - 1)
	case "create", "add":
		r.create(ctx, args)
	case "delete", "rm":
		if args == "" {
			Info(r.Out, "usage: delete <id>")
			return false
		}
		r.delete(ctx, args)
	case "exec", "run":
		if args == "" {
			Info(r.Out, "usage: exec <id>")
			return false
		}
		r.execute(ctx, args)
	default:
		Info(r.Out, "unknown command, type help")
	}
	return false
}

func (r *REPL) refresh(ctx context.Context) {
	tasks, err := r.Client.List(ctx, r.term)
	if err != nil {
		r.Log.WithError(err).WithField("search", r.term).Error("fetch tasks failed")
		Failure(r.Out, msgFetchFailed)
		return
	}
	r.tasks = tasks
	r.page = clampPage(r.page, len(tasks))
	Tasks(r.Out, tasks, r.term, r.page)
}

// showPage renders page n of the last fetched list without a round trip.
func (r *REPL) showPage(n int) {
	r.page = clampPage(n, len(r.tasks))
	Tasks(r.Out, r.tasks, r.term, r.page)
}

func (r *REPL) create(ctx context.Context, args string) {
	req, ok := parseCreate(args)
	if !ok {
		Info(r.Out, "usage: create <name> | <command> [| <description>]")
		return
	}
	if err := domain.ValidateCreate(req); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			Invalid(r.Out, verr)
			return
		}
	}

	task, err := r.Client.Create(ctx, req)
	if err != nil {
		r.Log.WithError(err).WithField("name", req.Name).Error("create task failed")
		Failure(r.Out, msgCreateFailed)
		return
	}
	r.Log.WithField("task", task.ID).Debug("task created")
	Success(r.Out, msgCreated)
	r.refresh(ctx)
}

func (r *REPL) delete(ctx context.Context, id string) {
	if err := r.Client.Delete(ctx, id); err != nil {
		r.Log.WithError(err).WithField("task", id).Error("delete task failed")
		Failure(r.Out, msgDeleteFailed)
		return
	}
	Success(r.Out, msgDeleted)
	r.refresh(ctx)
}

func (r *REPL) execute(ctx context.Context, id string) {
	res, err := r.Client.Execute(ctx, id)
	if err != nil {
		r.Log.WithError(err).WithField("task", id).Error("execute task failed")
		Failure(r.Out, msgExecFailed)
		return
	}
	Success(r.Out, msgExecuted)
	Execution(r.Out, r.lookup(id), res)
}

func (r *REPL) lookup(id string) *domain.Task {
	for i := range r.tasks {
		if r.tasks[i].ID == id {
			return &r.tasks[i]
		}
	}
	return nil
}

// parseCreate splits "name | command | description". The description is
// optional and may itself contain pipes.
func parseCreate(args string) (domain.CreateTaskRequest, bool) {
	parts := strings.SplitN(args, "|", 3)
	if len(parts) < 2 {
		return domain.CreateTaskRequest{}, false
	}
	req := domain.CreateTaskRequest{Name: parts[0], Command: parts[1]}
	if len(parts) == 3 {
		req.Description = parts[2]
	}
	return req.Normalize(), true
}
