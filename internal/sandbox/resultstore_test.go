package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeStreams(t *testing.T, stdout, stderr string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "stdout")
	errPath := filepath.Join(dir, "stderr")
	if err := os.WriteFile(out, []byte(stdout), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(errPath, []byte(stderr), 0o600); err != nil {
		t.Fatal(err)
	}
	return out, errPath
}

func TestResultStore_Collect(t *testing.T) {
	out, errPath := writeStreams(t, "ok\n", "")
	s := NewResultStore(1 << 20)

	submitted := time.Now().Add(-50 * time.Millisecond)
	res, err := s.Collect(out, errPath, Outcome{Kind: OutcomeExited, ExitCode: 0}, submitted)
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" || res.Stderr != "" {
		t.Errorf("result = %+v, want {0 \"ok\\n\" \"\"}", res)
	}
	if res.Duration < 50*time.Millisecond {
		t.Errorf("Duration = %s, want >= 50ms since submission", res.Duration)
	}
	if res.Truncated {
		t.Error("Truncated = true for small output")
	}
}

func TestResultStore_TruncatesEachStreamIndependently(t *testing.T) {
	out, errPath := writeStreams(t, strings.Repeat("a", 25), "short")
	s := NewResultStore(10)

	res, err := s.Collect(out, errPath, Outcome{Kind: OutcomeExited, ExitCode: 1}, time.Now())
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}
	if want := strings.Repeat("a", 10) + TruncationMarker; res.Stdout != want {
		t.Errorf("Stdout = %q, want %q", res.Stdout, want)
	}
	if res.Stderr != "short" {
		t.Errorf("Stderr = %q, want untouched", res.Stderr)
	}
	if !res.Truncated {
		t.Error("Truncated = false")
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestResultStore_ExactCeilingNotTruncated(t *testing.T) {
	out, errPath := writeStreams(t, "0123456789", "")
	res, err := NewResultStore(10).Collect(out, errPath, Outcome{}, time.Now())
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}
	if res.Stdout != "0123456789" || res.Truncated {
		t.Errorf("Stdout = %q, Truncated = %v; want exact passthrough", res.Stdout, res.Truncated)
	}
}

func TestResultStore_CarriesSignalAndUsage(t *testing.T) {
	out, errPath := writeStreams(t, "", "")
	o := Outcome{
		Kind:     OutcomeSignaled,
		ExitCode: SignalExitCode,
		Signal:   "SIGSEGV",
		Usage:    ResourceUsage{CPUTimeMS: 12, MemoryPeakMB: 3},
	}
	res, err := NewResultStore(10).Collect(out, errPath, o, time.Now())
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}
	if res.ExitCode != SignalExitCode || res.Signal != "SIGSEGV" || res.ResourceUsage.CPUTimeMS != 12 {
		t.Errorf("result = %+v", res)
	}
}

func TestResultStore_MissingFile(t *testing.T) {
	_, err := NewResultStore(10).Collect("/nonexistent/stdout", "/nonexistent/stderr", Outcome{}, time.Now())
	if err == nil {
		t.Error("Collect() with missing files succeeded")
	}
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello" + TruncationMarker},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := truncateOutput(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateOutput(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
