package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// MaxCodeBytes caps submitted source size.
const MaxCodeBytes = 1 << 20

// Runtime defines how a worker interprets a code file.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Command returns the argv that runs the code file at codePath.
	Command(codePath string) []string

	// VersionCommand returns an argv that exits 0 when the interpreter is
	// usable. It is run once when a sandbox is constructed.
	VersionCommand() []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Validate checks if the code is acceptable before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// Registry maps runtime names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes. interpreter is
// the Python executable to use.
func NewRegistry(interpreter string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(NewPython(interpreter))
	r.Register(&ShellRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime with the given name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return rt, nil
}

// Names returns all registered runtime names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
