package runtime

import (
	"fmt"
	"strings"
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct {
	Interpreter string
}

// NewPython returns a Python runtime using the given executable, python3
// when empty.
func NewPython(interpreter string) *PythonRuntime {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &PythonRuntime{Interpreter: interpreter}
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		p.Interpreter,
		"-E", // Ignore PYTHON* environment variables
		"-S", // Don't import site
		"-u", // Unbuffered output
		"-B", // Don't write .pyc files
		codePath,
	}
}

func (p *PythonRuntime) VersionCommand() []string {
	return []string{p.Interpreter, "--version"}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Validate(code string) error {
	if err := validateSize(code); err != nil {
		return err
	}
	if strings.ContainsRune(code, 0) {
		return fmt.Errorf("code contains NUL bytes")
	}
	return nil
}
