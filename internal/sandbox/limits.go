package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits are the per-worker ceilings attached before exec. A zero
// field means the corresponding limit is not set.
type ResourceLimits struct {
	MemoryMB   int64 `json:"memory_mb"`    // Address space (RLIMIT_AS)
	CPUSeconds int64 `json:"cpu_seconds"`  // CPU time (RLIMIT_CPU)
	OpenFiles  int64 `json:"open_files"`   // Descriptors (RLIMIT_NOFILE)
	FileSizeMB int64 `json:"file_size_mb"` // Largest file the worker may write (RLIMIT_FSIZE)
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:   512,
		CPUSeconds: 30,
		OpenFiles:  256,
	}
}

// LimitsFor builds limits from the configured memory and CPU ceilings.
func LimitsFor(memoryMB int64, cpuTime time.Duration) ResourceLimits {
	l := DefaultLimits()
	l.MemoryMB = memoryMB
	l.CPUSeconds = int64(cpuTime / time.Second)
	return l
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryMB != 0 && (rl.MemoryMB < 16 || rl.MemoryMB > 16384) {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.CPUSeconds < 0 || rl.CPUSeconds > 3600 {
		return fmt.Errorf("%w: cpu_seconds must be 0-3600, got %d", ErrInvalidRequest, rl.CPUSeconds)
	}
	if rl.OpenFiles != 0 && (rl.OpenFiles < 16 || rl.OpenFiles > 65536) {
		return fmt.Errorf("%w: open_files must be 16-65536, got %d", ErrInvalidRequest, rl.OpenFiles)
	}
	if rl.FileSizeMB < 0 || rl.FileSizeMB > 10240 {
		return fmt.Errorf("%w: file_size_mb must be 0-10240, got %d", ErrInvalidRequest, rl.FileSizeMB)
	}
	return nil
}

// Rlimits expresses the limits in OCI runtime-spec form. Core dumps are
// always disabled.
func (rl ResourceLimits) Rlimits() []specs.POSIXRlimit {
	out := []specs.POSIXRlimit{
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if rl.MemoryMB > 0 {
		b := safeUint64(rl.MemoryMB * 1024 * 1024)
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_AS", Hard: b, Soft: b})
	}
	if rl.CPUSeconds > 0 {
		// Soft limit delivers SIGXCPU one second before the hard SIGKILL.
		out = append(out, specs.POSIXRlimit{
			Type: "RLIMIT_CPU",
			Hard: safeUint64(rl.CPUSeconds + 1),
			Soft: safeUint64(rl.CPUSeconds),
		})
	}
	if rl.OpenFiles > 0 {
		n := safeUint64(rl.OpenFiles)
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_NOFILE", Hard: n, Soft: n})
	}
	if rl.FileSizeMB > 0 {
		b := safeUint64(rl.FileSizeMB * 1024 * 1024)
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_FSIZE", Hard: b, Soft: b})
	}
	return out
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
