package storage

import (
	"time"

	"safe-python-sandbox/internal/sandbox"
)

// Execution represents a stored execution record.
type Execution struct {
	ID           string     `json:"id" db:"id"`
	Runtime      string     `json:"runtime" db:"runtime"`
	CodeHash     string     `json:"code_hash" db:"code_hash"`
	Status       string     `json:"status" db:"status"` // completed, failed, timed_out, killed
	ExitCode     int        `json:"exit_code" db:"exit_code"`
	Signal       string     `json:"signal,omitempty" db:"signal"`
	Stdout       string     `json:"stdout" db:"stdout"`
	Stderr       string     `json:"stderr" db:"stderr"`
	Truncated    bool       `json:"truncated" db:"truncated"`
	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	CPUTimeMS    int64      `json:"cpu_time_ms" db:"cpu_time_ms"`
	MemoryPeakMB int64      `json:"memory_peak_mb" db:"memory_peak_mb"`
	TimeoutMS    int64      `json:"timeout_ms" db:"timeout_ms"`
	Killed       bool       `json:"killed" db:"killed"`
	Error        string     `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores security event details for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id,omitempty" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Blocked     bool      `json:"blocked" db:"blocked"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Status   string
	CodeHash string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// FromSandbox converts a terminal snapshot into an audit row.
func FromSandbox(runtime string, e sandbox.Execution) *Execution {
	row := &Execution{
		ID:          e.ID,
		Runtime:     runtime,
		CodeHash:    e.CodeHash,
		Status:      e.Status.String(),
		ExitCode:    -1,
		TimeoutMS:   e.Timeout.Milliseconds(),
		Killed:      e.KillRequested,
		Error:       e.Error,
		CreatedAt:   e.StartedAt,
		CompletedAt: e.FinishedAt,
	}
	if r := e.Result; r != nil {
		row.ExitCode = r.ExitCode
		row.Signal = r.Signal
		row.Stdout = r.Stdout
		row.Stderr = r.Stderr
		row.Truncated = r.Truncated
		row.DurationMS = r.Duration.Milliseconds()
		row.CPUTimeMS = r.ResourceUsage.CPUTimeMS
		row.MemoryPeakMB = r.ResourceUsage.MemoryPeakMB
	} else if e.FinishedAt != nil {
		row.DurationMS = e.FinishedAt.Sub(e.StartedAt).Milliseconds()
	}
	return row
}
