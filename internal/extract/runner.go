package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"metrofleet/internal/operations"
)

// Command describes one external process invocation
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty inherits ours.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a process that was started. A non-zero ExitCode
// is a result, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited with status 0
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Diagnostic returns stderr, or stdout when stderr is empty. Tools such as
// dbt print their failures on stdout.
func (r Result) Diagnostic() string {
	if strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Runner starts external processes
type Runner interface {
	// Run starts cmd and waits for it. The error is non-nil only when the
	// process could not be started or was killed by ctx.
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner that logs every invocation
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With(slog.String("component", "process_runner"))}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.DebugContext(ctx, "starting process", slog.String("command", c.String()), slog.String("dir", c.Dir))
	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s interrupted: %w", c.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{ExitCode: -1, Duration: res.Duration}, fmt.Errorf("start %s: %w", c.Name, err)
		}
	}

	r.logger.InfoContext(ctx, "process finished",
		slog.String("command", c.Name),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// RunChecked runs cmd and turns a start failure or non-zero exit into an
// ExtractionFailed error carrying the process output verbatim.
func RunChecked(ctx context.Context, runner Runner, c Command) (Result, error) {
	res, err := runner.Run(ctx, c)
	if err != nil {
		return res, operations.NewExtractionError(fmt.Sprintf("run %s", c.Name), res.Stderr, err)
	}
	if !res.Success() {
		return res, operations.NewExtractionError(
			fmt.Sprintf("%s exited with code %d", c.Name, res.ExitCode),
			res.Diagnostic(), nil)
	}
	return res, nil
}
