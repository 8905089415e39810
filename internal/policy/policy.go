// Package policy restricts what submitted Python code can reach. Restriction
// is applied by rewriting the source before it is written to disk; the
// sandbox treats the rewritten program as opaque.
package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Policy lists the modules code may import and the names it may not use.
// An empty Allowed list permits every module that is not blocked.
type Policy struct {
	Allowed []string `yaml:"allowed_modules" json:"allowed_modules"`
	Blocked []string `yaml:"blocked_modules" json:"blocked_modules"`
}

// DefaultAllowed is the module allowlist used when none is configured.
func DefaultAllowed() []string {
	return []string{
		"math", "random", "statistics", "itertools", "functools",
		"operator", "collections", "datetime", "time", "json",
		"csv", "re", "string", "typing",
	}
}

// DefaultBlocked covers both modules and builtins. A name listed here is
// removed from the builtins visible to user code and refused at import.
func DefaultBlocked() []string {
	return []string{
		"os", "sys", "subprocess", "importlib", "execfile", "compile",
		"eval", "exec", "__import__", "globals", "locals", "vars",
		"dir", "hasattr", "getattr", "setattr", "delattr", "open",
		"file", "input", "raw_input",
	}
}

// Default returns the policy with both default lists.
func Default() Policy {
	return Policy{Allowed: DefaultAllowed(), Blocked: DefaultBlocked()}
}

// Validate rejects names that could not be Python identifiers or dotted
// module paths. Names are embedded into generated source, so this is also
// what keeps them inert.
func (p Policy) Validate() error {
	for _, list := range [][]string{p.Allowed, p.Blocked} {
		for _, name := range list {
			if !validName(name) {
				return fmt.Errorf("invalid module or builtin name %q", name)
			}
		}
	}
	for _, name := range p.Allowed {
		if slices.Contains(p.Blocked, name) {
			return fmt.Errorf("module %q is both allowed and blocked", name)
		}
	}
	return nil
}

// Permits reports whether an import of module would pass the policy. It
// mirrors the check the generated prelude runs inside the interpreter.
func (p Policy) Permits(module string) bool {
	base, _, _ := strings.Cut(module, ".")
	if slices.Contains(p.Blocked, module) || slices.Contains(p.Blocked, base) {
		return false
	}
	return len(p.Allowed) == 0 || slices.Contains(p.Allowed, base)
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case i > 0 && r >= '0' && r <= '9':
			default:
				return false
			}
		}
	}
	return true
}
