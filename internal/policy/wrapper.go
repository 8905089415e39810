package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wrapper rewrites source so that running it enforces a Policy.
type Wrapper interface {
	Wrap(code string, p Policy) (string, error)
}

// WrapperFunc adapts a function to the Wrapper interface.
type WrapperFunc func(code string, p Policy) (string, error)

func (f WrapperFunc) Wrap(code string, p Policy) (string, error) { return f(code, p) }

// Passthrough returns code unchanged. It is used for runtimes the policy
// vocabulary does not apply to.
var Passthrough Wrapper = WrapperFunc(func(code string, _ Policy) (string, error) {
	return code, nil
})

// prelude runs user code in a scope whose builtins exclude every blocked
// name. The import hook only judges imports issued from that scope (or with
// no globals at all), so standard modules keep their own dependencies.
//
// Builtin functions expose the real builtins module through __self__, so the
// hook is installed there as well, and an audit hook denies the capabilities
// behind blocked names (file opens, process creation, native calls) however
// the underlying function was reached. Once added, an audit hook cannot be
// removed from Python. Only the import system may open files after user code
// starts.
const prelude = `import builtins as _builtins
import sys as _sys

_ALLOWED = frozenset(@@ALLOWED@@)
_BLOCKED = frozenset(@@BLOCKED@@)
_real_import = _builtins.__import__


def _guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
    if globals is None or globals.get("__name__") == "__sandbox__":
        base = name.partition(".")[0]
        if name in _BLOCKED or base in _BLOCKED or (_ALLOWED and base not in _ALLOWED):
            raise ImportError(f"Module '{name}' is not allowed")
    return _real_import(name, globals, locals, fromlist, level)


_CAPABILITIES = {
    "open": ("open",),
    "os": ("os.system", "os.exec", "os.posix_spawn", "os.spawn", "os.fork", "os.forkpty", "os.kill", "os.killpg"),
    "subprocess": ("subprocess.Popen",),
    "ctypes": ("ctypes.dlopen", "ctypes.dlsym", "ctypes.cdata"),
}
_DENIED = frozenset(e for name in _BLOCKED for e in _CAPABILITIES.get(name, ()))
_getframe = _sys._getframe


def _audit(event, args):
    if event == "compile":
        filename = args[1]
        if isinstance(filename, bytes):
            filename = filename.decode(errors="replace")
        if isinstance(filename, str) and filename.startswith("<frozen"):
            raise PermissionError("compile is not permitted")
        return
    if event == "code.__new__":
        raise PermissionError("code construction is not permitted")
    if event not in _DENIED:
        return
    if event == "open":
        try:
            caller = _getframe(1).f_code.co_filename
        except ValueError:
            caller = ""
        if caller.startswith("<frozen importlib"):
            return
    raise PermissionError(f"{event} is not permitted")


_safe = {k: v for k, v in vars(_builtins).items() if k not in _BLOCKED and not k.startswith("_")}
_safe["__build_class__"] = _builtins.__build_class__
_safe["__import__"] = _guarded_import
_safe["__name__"] = "builtins"
_builtins.__import__ = _guarded_import

_source = @@SOURCE@@
_scope = {"__name__": "__sandbox__", "__builtins__": _safe}
_sys.addaudithook(_audit)
try:
    exec(compile(_source, "<sandbox>", "exec"), _scope)
except Exception as e:
    print(f"Error: {e}", file=_sys.stderr)
    _sys.exit(1)
`

// PythonWrapper embeds user code as a string literal inside a restricting
// prelude. The code is never spliced into the prelude's own syntax, so
// indentation and quoting in the submission cannot break out of it.
type PythonWrapper struct{}

func (PythonWrapper) Wrap(code string, p Policy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	allowed, err := pyLiteral(p.Allowed)
	if err != nil {
		return "", err
	}
	blocked, err := pyLiteral(p.Blocked)
	if err != nil {
		return "", err
	}
	source, err := pyLiteral(code)
	if err != nil {
		return "", err
	}

	r := strings.NewReplacer(
		"@@ALLOWED@@", allowed,
		"@@BLOCKED@@", blocked,
		"@@SOURCE@@", source,
	)
	return r.Replace(prelude), nil
}

// pyLiteral renders v as JSON, which for strings and string lists is also a
// valid Python literal. Non-ASCII text is emitted as raw UTF-8 rather than
// surrogate-pair escapes.
func pyLiteral(v any) (string, error) {
	if list, ok := v.([]string); ok && list == nil {
		v = []string{}
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding literal: %w", err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
