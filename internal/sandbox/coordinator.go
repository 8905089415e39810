package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-python-sandbox/internal/monitor"
	"safe-python-sandbox/internal/policy"
	"safe-python-sandbox/internal/runtime"
)

const (
	versionCheckTimeout = 10 * time.Second
	drainTimeout = 30 * time.Second
)

// Recorder receives a snapshot of every execution once it is terminal.
// Record is called on the execution's own goroutine and must not block for
// long.
type Recorder interface {
	Record(Execution)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Execution)

func (f RecorderFunc) Record(e Execution) { f(e) }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRuntime replaces the runtime selected by Config.Runtime.
func WithRuntime(rt runtime.Runtime) Option {
	return func(c *Coordinator) { c.runtime = rt }
}

// WithWrapper replaces the restriction wrapper chosen for the runtime.
func WithWrapper(w policy.Wrapper) Option {
	return func(c *Coordinator) { c.wrapper = w }
}

// WithConfiner replaces the process confiner derived from the configuration.
func WithConfiner(cf Confiner) Option {
	return func(c *Coordinator) { c.confiner = cf }
}

// WithMetrics sets the metrics sink. A Metrics value serves one Coordinator.
func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t *monitor.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithRecorder registers a sink for terminal executions.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// Coordinator accepts executions, runs each in its own worker process and
// tracks it until it is swept by Cleanup.
type Coordinator struct {
	cfg        Config
	policy     policy.Policy
	runtime    runtime.Runtime
	wrapper    policy.Wrapper
	confiner   Confiner
	launcher   *Launcher
	supervisor *Supervisor
	results    *ResultStore
	registry   *registry
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	recorder   Recorder

	workspace     string   // private base directory, empty without filesystem isolation
	workspaceLock *os.File // holds the owner flock on workspace
	sem       chan struct{}
	active    atomic.Int64
	wg        sync.WaitGroup
	closing   chan struct{}

	mu     sync.Mutex // Protects shutdown state
	closed bool
}

// NewCoordinator validates cfg, checks that the interpreter can be invoked
// and prepares the private workspace. Errors wrap ErrInvalidConfig or
// ErrInterpreter.
func NewCoordinator(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		policy:     cfg.Policy(),
		supervisor: NewSupervisor(cfg.KillGrace),
		results:    NewResultStore(cfg.MaxOutputBytes),
		registry:   newRegistry(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.runtime == nil {
		rt, err := runtime.NewRegistry(cfg.Interpreter).Get(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		c.runtime = rt
	}
	if c.wrapper == nil {
		c.wrapper = policy.Passthrough
		if c.runtime.Name() == "python" {
			c.wrapper = policy.PythonWrapper{}
		}
	}
	if c.confiner == nil {
		pc, err := NewProcessConfiner(cfg.NetworkIsolation)
		if err != nil {
			return nil, err
		}
		c.confiner = pc
	}
	if c.metrics == nil {
		c.metrics = monitor.NewMetrics()
	}
	if c.tracer == nil {
		c.tracer = monitor.NewTracer()
	}
	c.launcher = NewLauncher(c.confiner)

	if err := c.checkInterpreter(ctx); err != nil {
		return nil, err
	}

	if cfg.FilesystemIsolation {
		removeOrphanWorkspaces(os.TempDir(), orphanAge)
		dir, err := os.MkdirTemp("", workspacePattern)
		if err != nil {
			return nil, fmt.Errorf("%w: creating workspace: %w", ErrInvalidConfig, err)
		}
		lock, err := lockWorkspace(dir)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		c.workspace = dir
		c.workspaceLock = lock
	}

	c.metrics.ObserveTracked(c.registry.len)
	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}

	log.Info().
		Str("runtime", c.runtime.Name()).
		Str("interpreter", cfg.Interpreter).
		Bool("network_isolation", cfg.NetworkIsolation).
		Str("workspace", c.workspace).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("sandbox ready")

	return c, nil
}

// checkInterpreter runs the runtime's version command through the same launcher and
// supervisor every execution uses.
func (c *Coordinator) checkInterpreter(ctx context.Context) error {
	_, span := c.tracer.StartSpan(ctx, "check_interpreter")
	defer span.End()

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInterpreter, err)
	}
	defer devNull.Close()

	w, err := c.launcher.Launch(LaunchSpec{
		Args:   c.runtime.VersionCommand(),
		Env:    []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
		Stdout: devNull,
		Stderr: devNull,
		Limits: c.cfg.Limits(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInterpreter, err)
	}
	out := c.supervisor.Supervise(w, versionCheckTimeout)
	if out.Kind != OutcomeExited || out.ExitCode != 0 {
		return fmt.Errorf("%w: %v exited with %s (code %d)",
			ErrInterpreter, c.runtime.VersionCommand(), out.Kind, out.ExitCode)
	}
	return nil
}

// Submit registers the request as Queued and starts it in the background.
// It fails only when the request is invalid or the coordinator is closed.
func (c *Coordinator) Submit(ctx context.Context, req ExecutionRequest) (string, error) {
	timeout, limits, err := c.validateRequest(req)
	if err != nil {
		return "", &ExecutionError{Op: "validate", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	id := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	rec := newRecord(id, codeHash, timeout)
	if err := c.registry.insert(rec); err != nil {
		c.wg.Done()
		return "", &ExecutionError{ExecID: id, Op: "register", Err: err}
	}

	logger := log.With().
		Str("exec_id", id).
		Str("code_hash", codeHash[:16]).
		Logger()
	logger.Info().Dur("timeout", timeout).Int("code_bytes", len(req.Code)).Msg("execution submitted")
	logger.Debug().Str("first_line", codePreview(req.Code)).Msg("submitted code")
	c.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	go c.run(context.WithoutCancel(ctx), rec, req, limits, logger)
	return id, nil
}

func (c *Coordinator) validateRequest(req ExecutionRequest) (time.Duration, ResourceLimits, error) {
	if err := c.runtime.Validate(req.Code); err != nil {
		return 0, ResourceLimits{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(req.Stdin) > runtime.MaxCodeBytes {
		return 0, ResourceLimits{}, fmt.Errorf("%w: stdin exceeds 1MB limit", ErrInvalidRequest)
	}

	timeout := req.Timeout
	switch {
	case timeout < 0:
		return 0, ResourceLimits{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	case timeout == 0:
		timeout = c.cfg.DefaultTimeout
	case timeout > c.cfg.MaxTimeout:
		return 0, ResourceLimits{}, fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, c.cfg.MaxTimeout)
	}

	limits := c.cfg.Limits()
	switch {
	case req.MemoryLimitMB < 0:
		return 0, ResourceLimits{}, fmt.Errorf("%w: memory_limit_mb must not be negative", ErrInvalidRequest)
	case req.MemoryLimitMB > 0:
		if c.cfg.MaxMemoryMB > 0 && req.MemoryLimitMB > c.cfg.MaxMemoryMB {
			return 0, ResourceLimits{}, fmt.Errorf("%w: memory_limit_mb exceeds %dMB maximum",
				ErrInvalidRequest, c.cfg.MaxMemoryMB)
		}
		limits.MemoryMB = req.MemoryLimitMB
	}
	if err := limits.Validate(); err != nil {
		return 0, ResourceLimits{}, err
	}
	return timeout, limits, nil
}

// Status returns the current status of an execution.
func (c *Coordinator) Status(id string) (Status, bool) {
	rec, ok := c.registry.get(id)
	if !ok {
		return 0, false
	}
	return rec.currentStatus(), true
}

// Result returns the captured result once one exists. Executions that failed
// before or while waiting on their worker never get one.
func (c *Coordinator) Result(id string) (*ExecutionResult, bool) {
	rec, ok := c.registry.get(id)
	if !ok {
		return nil, false
	}
	res := rec.currentResult()
	return res, res != nil
}

// Lookup returns a snapshot of one execution.
func (c *Coordinator) Lookup(id string) (Execution, bool) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Execution{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every tracked execution, oldest first.
func (c *Coordinator) List() []Execution {
	recs := c.registry.all()
	out := make([]Execution, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	return out
}

// Wait blocks until the execution is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (Execution, error) {
	rec, ok := c.registry.get(id)
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	select {
	case <-rec.done:
		return rec.snapshot(), nil
	case <-ctx.Done():
		return rec.snapshot(), ctx.Err()
	}
}

// Kill asks a running worker to terminate. It reports false for Queued,
// terminal and unknown executions. The record becomes Killed only once the
// worker has actually exited.
func (c *Coordinator) Kill(id string) bool {
	rec, ok := c.registry.get(id)
	if !ok {
		return false
	}
	signalled, err := rec.terminate()
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("kill failed")
	}
	c.metrics.RecordKill(signalled)
	log.Info().Str("exec_id", id).Bool("signalled", signalled).Msg("kill requested")
	return signalled
}

// Cleanup drops every terminal execution and returns how many were removed.
func (c *Coordinator) Cleanup() int {
	n := c.registry.sweep()
	c.metrics.CleanupRemoved.Add(float64(n))
	log.Info().Int("removed", n).Int("remaining", c.registry.len()).Msg("cleanup sweep")
	return n
}

func (c *Coordinator) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.closing:
			return
		}
	}
}

// ActiveCount returns the number of running worker processes.
func (c *Coordinator) ActiveCount() int64 {
	return c.active.Load()
}

// Runtime returns the runtime executions are run with.
func (c *Coordinator) Runtime() runtime.Runtime {
	return c.runtime
}

// Close stops accepting submissions, fails queued executions, terminates
// running workers and waits for their supervisors before removing the
// private workspace.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	c.mu.Unlock()

	for _, rec := range c.registry.all() {
		// A queued record may start between any check and the transition, so
		// the check and the transition happen under one lock.
		if rec.finishIf(StatusQueued, StatusFailed, nil, ErrClosed) {
			c.publish(rec, StatusFailed, nil, ErrClosed, log.With().Str("exec_id", rec.id).Logger())
			continue
		}
		if _, err := rec.terminate(); err != nil {
			log.Warn().Err(err).Str("exec_id", rec.id).Msg("terminate on shutdown failed")
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Int64("active", c.active.Load()).Msg("shutdown drain timed out")
	}

	if c.workspace != "" {
		err := os.RemoveAll(c.workspace)
		c.workspaceLock.Close()
		if err != nil {
			return fmt.Errorf("removing workspace: %w", err)
		}
	}
	return nil
}
