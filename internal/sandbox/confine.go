package sandbox

import (
	"fmt"
	"os/exec"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Confiner adjusts a worker command before it is started. It is the only
// place where isolation and resource limits touch a worker.
type Confiner interface {
	Confine(cmd *exec.Cmd, limits ResourceLimits) error
}

// ConfinerFunc adapts a function to the Confiner interface.
type ConfinerFunc func(cmd *exec.Cmd, limits ResourceLimits) error

func (f ConfinerFunc) Confine(cmd *exec.Cmd, limits ResourceLimits) error {
	return f(cmd, limits)
}

// prlimit(1) flag names for the OCI rlimit types we emit.
var prlimitFlags = map[string]string{
	"RLIMIT_AS":     "--as",
	"RLIMIT_CORE":   "--core",
	"RLIMIT_CPU":    "--cpu",
	"RLIMIT_FSIZE":  "--fsize",
	"RLIMIT_NOFILE": "--nofile",
	"RLIMIT_NPROC":  "--nproc",
}

// ProcessConfiner places workers in their own process group, optionally in a
// fresh network namespace, and applies rlimits through prlimit(1) so they are
// in force before the interpreter's first instruction.
type ProcessConfiner struct {
	isolateNetwork bool
	prlimitPath    string
}

// NewProcessConfiner resolves prlimit from PATH. Without it, workers run with
// the server's own rlimits and a warning is logged once.
func NewProcessConfiner(isolateNetwork bool) (*ProcessConfiner, error) {
	if isolateNetwork && !networkIsolationSupported {
		return nil, fmt.Errorf("%w: network isolation requires Linux namespaces", ErrInvalidConfig)
	}
	c := &ProcessConfiner{isolateNetwork: isolateNetwork}
	if p, err := exec.LookPath("prlimit"); err == nil {
		c.prlimitPath = p
	} else {
		log.Warn().Msg("prlimit not found in PATH, worker resource limits will not be enforced")
	}
	return c, nil
}

func (c *ProcessConfiner) Confine(cmd *exec.Cmd, limits ResourceLimits) error {
	if err := applySysProcAttr(cmd, c.isolateNetwork); err != nil {
		return err
	}
	if c.prlimitPath == "" {
		return nil
	}
	flags, err := prlimitArgs(limits.Rlimits())
	if err != nil {
		return err
	}
	if len(flags) == 0 {
		return nil
	}

	// prlimit sets the limits on itself and then execs the real worker, so
	// the pid seen by the supervisor is the interpreter's pid.
	args := make([]string, 0, len(flags)+len(cmd.Args)+2)
	args = append(args, c.prlimitPath)
	args = append(args, flags...)
	args = append(args, "--", cmd.Path)
	args = append(args, cmd.Args[1:]...)

	cmd.Path = c.prlimitPath
	cmd.Args = args
	return nil
}

func prlimitArgs(rlimits []specs.POSIXRlimit) ([]string, error) {
	out := make([]string, 0, len(rlimits))
	for _, rl := range rlimits {
		flag, ok := prlimitFlags[strings.ToUpper(rl.Type)]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported rlimit %s", ErrInvalidRequest, rl.Type)
		}
		out = append(out, fmt.Sprintf("%s=%d:%d", flag, rl.Soft, rl.Hard))
	}
	return out, nil
}
