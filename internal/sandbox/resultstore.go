package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// TruncationMarker is appended to a stream cut at the output ceiling.
const TruncationMarker = "\n... [truncated]"

// ResultStore turns a finished worker's output files into an ExecutionResult.
type ResultStore struct {
	maxBytes int
}

func NewResultStore(maxBytes int) *ResultStore {
	return &ResultStore{maxBytes: maxBytes}
}

// Collect reads both streams. It must only be called once the worker has
// been reaped, so nothing is still writing to the files.
func (s *ResultStore) Collect(stdoutPath, stderrPath string, out Outcome, submittedAt time.Time) (*ExecutionResult, error) {
	stdout, stdoutCut, err := s.read(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("reading stdout: %w", err)
	}
	stderr, stderrCut, err := s.read(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("reading stderr: %w", err)
	}

	return &ExecutionResult{
		ExitCode:      out.ExitCode,
		Signal:        out.Signal,
		Stdout:        stdout,
		Stderr:        stderr,
		Duration:      time.Since(submittedAt),
		Truncated:     stdoutCut || stderrCut,
		ResourceUsage: out.Usage,
	}, nil
}

// read keeps at most maxBytes+1 bytes in memory: one extra byte is enough to
// know whether the stream went over the ceiling.
func (s *ResultStore) read(path string) (string, bool, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(s.maxBytes)+1))
	if err != nil {
		return "", false, err
	}
	if len(data) > s.maxBytes {
		return truncateOutput(string(data), s.maxBytes), true, nil
	}
	return string(data), false, nil
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + TruncationMarker
}
