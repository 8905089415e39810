package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LaunchSpec describes one worker process.
type LaunchSpec struct {
	Args   []string // Interpreter followed by its arguments
	Dir    string
	Env    []string
	Stdin  *os.File // nil reads from the null device
	Stdout *os.File
	Stderr *os.File
	Limits ResourceLimits
}

// Launcher creates worker processes. Process creation goes through os/exec,
// which starts a fresh image with clone+exec rather than duplicating the
// server's address space.
type Launcher struct {
	confiner Confiner
}

func NewLauncher(confiner Confiner) *Launcher {
	return &Launcher{confiner: confiner}
}

// Launch starts the worker and returns as soon as the process exists. Every
// error wraps ErrLaunch.
func (l *Launcher) Launch(spec LaunchSpec) (*Worker, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}
	if spec.Stdout == nil || spec.Stderr == nil {
		return nil, fmt.Errorf("%w: output sinks are required", ErrLaunch)
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...) // #nosec G204 -- args come from the configured runtime, user code is a file path
	if cmd.Err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, cmd.Err)
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}

	if l.confiner != nil {
		if err := l.confiner.Confine(cmd, spec.Limits); err != nil {
			return nil, fmt.Errorf("%w: confine: %w", ErrLaunch, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	return &Worker{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		terminated: make(chan struct{}),
	}, nil
}

// errDeadlinePassed is returned by Terminate once the supervisor's deadline
// has already acted on the worker.
var errDeadlinePassed = errors.New("worker deadline already passed")

// Worker is a started worker process.
type Worker struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu         sync.Mutex    // orders Terminate against expire
	stopping   bool          // Terminate reached the process
	expired    bool          // the deadline killed the process
	terminated chan struct{} // closed once a termination request reached the process
}

func (w *Worker) PID() int { return w.pid }

// Terminate asks the worker to stop with SIGTERM. It returns
// os.ErrProcessDone when the worker has already been reaped and
// errDeadlinePassed once the deadline has killed it.
func (w *Worker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired {
		return errDeadlinePassed
	}
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	w.signalGroup(syscall.SIGTERM)
	if !w.stopping {
		w.stopping = true
		close(w.terminated)
	}
	return nil
}

// expire kills the worker for overrunning its deadline. It reports whether
// the deadline acted before any Terminate request.
func (w *Worker) expire() (first bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	first = !w.stopping
	w.expired = true
	return first, w.kill()
}

func (w *Worker) kill() error {
	err := w.cmd.Process.Kill()
	w.signalGroup(syscall.SIGKILL)
	return err
}

// killGroup removes whatever the worker left behind in its process group.
// Call it only while the exited leader is still unreaped: until then its pid,
// and so the group id, cannot be handed to another process.
func (w *Worker) killGroup() {
	w.signalGroup(syscall.SIGKILL)
}

// signalGroup reaches descendants that share the worker's process group.
// Delivery is best effort; the group may already be empty.
func (w *Worker) signalGroup(sig syscall.Signal) {
	if w.cmd.SysProcAttr == nil || !w.cmd.SysProcAttr.Setpgid {
		return
	}
	_ = syscall.Kill(-w.pid, sig)
}
