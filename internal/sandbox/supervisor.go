package sandbox

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SignalExitCode is reported as the exit code of a worker that did not exit
// normally.
const SignalExitCode = -1

// OutcomeKind classifies how supervision of a worker ended.
type OutcomeKind int

const (
	OutcomeExited     OutcomeKind = iota // Normal exit, ExitCode is valid
	OutcomeSignaled                      // Died from a signal the supervisor did not send for the deadline
	OutcomeTimedOut                      // Deadline passed and the supervisor killed the worker
	OutcomeWaitFailed                    // The OS could not report the worker's state
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExited:
		return "exited"
	case OutcomeSignaled:
		return "signaled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeWaitFailed:
		return "wait_failed"
	default:
		return "unknown"
	}
}

// Outcome is what the supervisor observed about a worker's end.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Signal   string
	Usage    ResourceUsage
	Err      error // Set for OutcomeWaitFailed, wraps ErrWait
}

// Supervisor enforces the wall-clock deadline of a worker.
type Supervisor struct {
	killGrace time.Duration
}

// NewSupervisor returns a supervisor that escalates a Terminate request to
// SIGKILL after killGrace. A zero grace never escalates.
func NewSupervisor(killGrace time.Duration) *Supervisor {
	return &Supervisor{killGrace: killGrace}
}

// Supervise blocks until the worker has exited and been reaped. A dedicated
// goroutine waits for the leader to exit, kills the rest of its process
// group while the unreaped leader still pins the group id, then reaps it and
// hands the result over on a one-shot channel. This goroutine only
// multiplexes that channel with the timers.
func (s *Supervisor) Supervise(w *Worker, timeout time.Duration) Outcome {
	waited := make(chan error, 1)
	go func() {
		if err := awaitExit(w.pid); err == nil {
			w.killGroup()
		}
		waited <- w.cmd.Wait()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var (
		grace      <-chan time.Time
		graceTimer *time.Timer
		terminated = w.terminated
		timedOut   bool
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		select {
		case err := <-waited:
			out := classify(w.cmd.ProcessState, err)
			if timedOut && out.Kind == OutcomeSignaled {
				out.Kind = OutcomeTimedOut
			}
			return out

		case <-deadline.C:
			terminated, grace = nil, nil
			first, err := w.expire()
			timedOut = first
			if err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Warn().Err(err).Int("pid", w.pid).Msg("failed to kill timed out worker")
			}

		case <-terminated:
			terminated = nil
			if s.killGrace > 0 {
				graceTimer = time.NewTimer(s.killGrace)
				grace = graceTimer.C
			}

		case <-grace:
			grace = nil
			log.Warn().Int("pid", w.pid).Dur("grace", s.killGrace).Msg("worker ignored SIGTERM, sending SIGKILL")
			if err := w.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Warn().Err(err).Int("pid", w.pid).Msg("failed to kill terminated worker")
			}
		}
	}
}

func classify(state *os.ProcessState, err error) Outcome {
	if state == nil {
		if err == nil {
			err = errors.New("no process state")
		}
		return Outcome{
			Kind:     OutcomeWaitFailed,
			ExitCode: SignalExitCode,
			Err:      fmt.Errorf("%w: %w", ErrWait, err),
		}
	}

	out := Outcome{
		Kind:     OutcomeExited,
		ExitCode: state.ExitCode(),
		Usage:    resourceUsage(state),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.Kind = OutcomeSignaled
		out.ExitCode = SignalExitCode
		out.Signal = unix.SignalName(ws.Signal())
		if out.Signal == "" {
			out.Signal = ws.Signal().String()
		}
	}
	return out
}

func resourceUsage(state *os.ProcessState) ResourceUsage {
	u := ResourceUsage{
		CPUTimeMS: (state.UserTime() + state.SystemTime()).Milliseconds(),
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		u.MemoryPeakMB = int64(ru.Maxrss) * maxrssUnit / (1 << 20)
	}
	return u
}
