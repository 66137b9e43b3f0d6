package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"taskdeck/domain"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxOutput      = 64 * 1024

	ExitTimeout  = 124
	ExitNotFound = 127
)

// Shell runs task commands through `sh -c`.
type Shell struct {
	Shell   string
	Timeout time.Duration
	Log     *log.Logger
	now     func() time.Time
}

// NewShell returns a Shell with the given per-execution timeout.
func NewShell(timeout time.Duration, logger *log.Logger) *Shell {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Shell{Shell: "/bin/sh", Timeout: timeout, Log: logger, now: time.Now}
}

// Run executes command and captures combined stdout and stderr. A non-zero
// exit status is a normal result; only a cancelled parent context is
// returned as an error.
func (s *Shell) Run(ctx context.Context, command string) (domain.ExecutionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	out := &limitedBuffer{max: MaxOutput}
	cmd := exec.CommandContext(runCtx, s.Shell, "-c", command)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	start := s.now()
	err := cmd.Run()
	res := domain.ExecutionResult{ExecutedAt: start}

	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		return domain.ExecutionResult{}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitTimeout
		out.note(fmt.Sprintf("command timed out after %s", s.Timeout))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = ExitNotFound
			out.note(err.Error())
		}
	}
	res.Output = out.String()

	s.Log.WithFields(log.Fields{
		"exit_code":   res.ExitCode,
		"duration_ms": float64(s.now().Sub(start)) / float64(time.Millisecond),
		"truncated":   out.truncated,
	}).Info("task.execution")
	return res, nil
}

type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) note(msg string) {
	if b.buf.Len() > 0 && !bytes.HasSuffix(b.buf.Bytes(), []byte("\n")) {
		b.buf.WriteByte('\n')
	}
	b.buf.WriteString(msg)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
