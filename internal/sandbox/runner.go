package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"safe-python-sandbox/internal/monitor"
)

type ExecutionRequest struct {
	Code          string        `json:"code"`
	Stdin         string        `json:"stdin,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`         // Zero uses the configured default
	MemoryLimitMB int64         `json:"memory_limit_mb,omitempty"` // Zero uses the configured ceiling
}

type ExecutionResult struct {
	ExitCode      int           `json:"exit_code"`
	Signal        string        `json:"signal,omitempty"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	Duration      time.Duration `json:"duration"`
	Truncated     bool          `json:"truncated,omitempty"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

// Execution is a point-in-time copy of one tracked execution.
type Execution struct {
	ID            string           `json:"id"`
	Status        Status           `json:"status"`
	CodeHash      string           `json:"code_hash"`
	Timeout       time.Duration    `json:"timeout"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	PID           int              `json:"pid,omitempty"`
	KillRequested bool             `json:"kill_requested,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// workspace holds the files of one execution.
type workspace struct {
	dir        string
	codePath   string
	stdinPath  string
	stdoutPath string
	stderrPath string
}

func (c *Coordinator) prepareWorkspace(id, code, stdin string) (*workspace, error) {
	base := c.workspace
	if base == "" {
		base = os.TempDir()
	}
	dir, err := os.MkdirTemp(base, "exec-"+id+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ws := &workspace{
		dir:        dir,
		codePath:   filepath.Join(dir, "code"+c.runtime.FileExtension()),
		stdoutPath: filepath.Join(dir, "stdout"),
		stderrPath: filepath.Join(dir, "stderr"),
	}
	if err := os.WriteFile(ws.codePath, []byte(code), 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing code: %w", err)
	}
	if stdin != "" {
		ws.stdinPath = filepath.Join(dir, "stdin")
		if err := os.WriteFile(ws.stdinPath, []byte(stdin), 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("writing stdin: %w", err)
		}
	}
	return ws, nil
}

func (ws *workspace) env() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + ws.dir,
		"TMPDIR=" + ws.dir,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
}

// openStreams creates the output sinks and opens the stdin payload. The
// caller closes the returned files once the worker holds its own copies.
func (ws *workspace) openStreams() (stdin, stdout, stderr *os.File, err error) {
	closeAll := func() {
		for _, f := range []*os.File{stdin, stdout, stderr} {
			if f != nil {
				f.Close()
			}
		}
	}
	if ws.stdinPath != "" {
		if stdin, err = os.Open(ws.stdinPath); err != nil {
			return nil, nil, nil, err
		}
	}
	if stdout, err = os.OpenFile(ws.stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	if stderr, err = os.OpenFile(ws.stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return stdin, stdout, stderr, nil
}

// run drives one execution from Queued to a terminal state. It is the only
// writer of terminal states apart from shutdown.
func (c *Coordinator) run(ctx context.Context, rec *record, req ExecutionRequest, limits ResourceLimits, logger zerolog.Logger) {
	defer c.wg.Done()

	ctx, span := c.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(rec.id),
		monitor.AttrRuntime.String(c.runtime.Name()),
		monitor.AttrCodeHash.String(rec.codeHash[:16]),
	)
	defer span.End()

	c.metrics.QueuedExecutions.Inc()
	select {
	case c.sem <- struct{}{}:
		c.metrics.QueuedExecutions.Dec()
		defer func() { <-c.sem }()
	case <-c.closing:
		c.metrics.QueuedExecutions.Dec()
		c.complete(rec, StatusFailed, nil, ErrClosed, logger)
		return
	}

	wrapped, err := c.wrapper.Wrap(req.Code, c.policy)
	if err != nil {
		c.fail(rec, "wrap", err, logger)
		return
	}

	ws, err := c.prepareWorkspace(rec.id, wrapped, req.Stdin)
	if err != nil {
		c.fail(rec, "prepare_workspace", err, logger)
		return
	}
	defer func() {
		if err := os.RemoveAll(ws.dir); err != nil {
			logger.Warn().Err(err).Msg("workspace cleanup failed")
		}
	}()

	worker, err := c.launch(ctx, ws, limits)
	if err != nil {
		c.metrics.RecordError("launch")
		c.fail(rec, "launch", err, logger)
		return
	}

	if !rec.markRunning(worker) {
		// Only shutdown can move a record out of Queued behind our back.
		_ = worker.kill()
		_ = worker.cmd.Wait()
		return
	}
	select {
	case <-c.closing:
		_, _ = rec.terminate()
	default:
	}
	span.SetAttributes(monitor.AttrPID.Int(worker.PID()))
	logger.Info().Int("pid", worker.PID()).Msg("worker started")

	c.active.Add(1)
	c.metrics.ActiveExecutions.Inc()
	_, superviseSpan := c.tracer.StartSpan(ctx, "supervise")
	outcome := c.supervisor.Supervise(worker, rec.timeout)
	superviseSpan.SetAttributes(monitor.AttrOutcome.String(outcome.Kind.String()))
	superviseSpan.End()
	c.metrics.ActiveExecutions.Dec()
	c.active.Add(-1)

	status, result, failure := c.resolve(rec, ws, outcome, logger)
	span.SetAttributes(
		monitor.AttrStatus.String(status.String()),
		monitor.AttrExitCode.Int(outcome.ExitCode),
	)
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	}
	c.complete(rec, status, result, failure, logger)
}

func (c *Coordinator) launch(ctx context.Context, ws *workspace, limits ResourceLimits) (*Worker, error) {
	_, span := c.tracer.StartSpan(ctx, "launch")
	defer span.End()

	stdin, stdout, stderr, err := ws.openStreams()
	if err != nil {
		return nil, fmt.Errorf("%w: opening streams: %w", ErrLaunch, err)
	}
	// The worker inherits duplicates; ours are not needed past Start.
	defer func() {
		stdout.Close()
		stderr.Close()
		if stdin != nil {
			stdin.Close()
		}
	}()

	w, err := c.launcher.Launch(LaunchSpec{
		Args:   c.runtime.Command(ws.codePath),
		Dir:    ws.dir,
		Env:    ws.env(),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Limits: limits,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return w, nil
}

// resolve maps what the supervisor saw onto a terminal status. A kill
// request takes precedence over every other observation.
func (c *Coordinator) resolve(rec *record, ws *workspace, out Outcome, logger zerolog.Logger) (Status, *ExecutionResult, error) {
	if out.Kind == OutcomeWaitFailed {
		c.metrics.RecordError("wait")
		logger.Error().Err(out.Err).Msg("waiting for worker failed")
		return StatusFailed, nil, out.Err
	}

	result, err := c.results.Collect(ws.stdoutPath, ws.stderrPath, out, rec.startedAt)
	if err != nil {
		c.metrics.RecordError("collect")
		logger.Error().Err(err).Msg("collecting output failed")
		return StatusFailed, nil, fmt.Errorf("collecting output: %w", err)
	}
	if result.Truncated {
		c.metrics.OutputTruncated.Inc()
	}
	c.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))

	switch {
	case rec.wasKilled():
		return StatusKilled, result, nil
	case out.Kind == OutcomeTimedOut:
		c.metrics.RecordError("timeout")
		return StatusTimedOut, result, fmt.Errorf("%w after %s", ErrTimeout, rec.timeout)
	case out.Kind == OutcomeExited && out.ExitCode == 0:
		return StatusCompleted, result, nil
	default:
		return StatusFailed, result, nil
	}
}

func (c *Coordinator) fail(rec *record, op string, err error, logger zerolog.Logger) {
	logger.Error().Err(err).Str("op", op).Msg("execution failed before supervision")
	c.complete(rec, StatusFailed, nil, &ExecutionError{ExecID: rec.id, Op: op, Err: err}, logger)
}

// complete records the terminal state and publishes it. A record that
// already reached a terminal state is left untouched.
func (c *Coordinator) complete(rec *record, status Status, result *ExecutionResult, failure error, logger zerolog.Logger) {
	if rec.finish(status, result, failure) {
		c.publish(rec, status, result, failure, logger)
	}
}

// publish logs, counts and records a transition that has already happened.
func (c *Coordinator) publish(rec *record, status Status, result *ExecutionResult, failure error, logger zerolog.Logger) {
	duration := time.Since(rec.startedAt)
	ev := logger.Info()
	if status == StatusFailed && result == nil {
		ev = logger.Error()
	}
	ev = ev.Str("status", status.String()).Dur("duration", duration)
	if result != nil {
		ev = ev.Int("exit_code", result.ExitCode)
		if result.Signal != "" {
			ev = ev.Str("signal", result.Signal)
		}
	}
	if failure != nil && !errors.Is(failure, ErrTimeout) {
		ev = ev.Err(failure)
	}
	ev.Msg("execution finished")

	c.metrics.RecordExecution(status.String(), duration.Seconds())
	if c.recorder != nil {
		c.recorder.Record(rec.snapshot())
	}
}

// codePreview is used in debug logs only.
func codePreview(code string) string {
	first, _, _ := strings.Cut(code, "\n")
	if len(first) > 60 {
		first = first[:60] + "..."
	}
	return first
}
