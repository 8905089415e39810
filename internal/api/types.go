package api

import (
	"time"

	"safe-python-sandbox/internal/monitor"
	"safe-python-sandbox/internal/sandbox"
)

// ExecutionRequest is the API-level request to execute Python code.
type ExecutionRequest struct {
	Code          string   `json:"code"`
	Stdin         string   `json:"stdin,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
	MemoryLimitMB int64    `json:"memory_limit_mb,omitempty"`
}

func (r ExecutionRequest) toSandbox() sandbox.ExecutionRequest {
	return sandbox.ExecutionRequest{
		Code:          r.Code,
		Stdin:         r.Stdin,
		Timeout:       r.Timeout.Duration,
		MemoryLimitMB: r.MemoryLimitMB,
	}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SubmitResponse is returned when an execution has been accepted.
type SubmitResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// ExecutionResponse describes one tracked execution.
type ExecutionResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	CodeHash       string          `json:"code_hash"`
	Timeout        string          `json:"timeout"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	PID            int             `json:"pid,omitempty"`
	KillRequested  bool            `json:"kill_requested,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         *ResultResponse `json:"result,omitempty"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// ResultResponse is the captured outcome of a finished worker.
type ResultResponse struct {
	ExitCode      int           `json:"exit_code"`
	Signal        string        `json:"signal,omitempty"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	Duration      string        `json:"duration"`
	Truncated     bool          `json:"truncated,omitempty"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

// ResourceUsage reports measured resource consumption.
type ResourceUsage struct {
	CPUTimeMS    int64 `json:"cpu_time_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

// SecurityEvent records a suspicious pattern in code or output.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// ListResponse wraps live executions.
type ListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Count      int                 `json:"count"`
}

// KillResponse reports the outcome of a kill request.
type KillResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CleanupResponse reports how many terminal records were dropped.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Sandbox  bool   `json:"sandbox"`
	Database bool   `json:"database"`
	Active   int64  `json:"active_executions"`
	Uptime   string `json:"uptime"`
}

func newResultResponse(r *sandbox.ExecutionResult) *ResultResponse {
	if r == nil {
		return nil
	}
	return &ResultResponse{
		ExitCode:  r.ExitCode,
		Signal:    r.Signal,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Duration:  r.Duration.String(),
		Truncated: r.Truncated,
		ResourceUsage: ResourceUsage{
			CPUTimeMS:    r.ResourceUsage.CPUTimeMS,
			MemoryPeakMB: r.ResourceUsage.MemoryPeakMB,
		},
	}
}

func newExecutionResponse(e sandbox.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:            e.ID,
		Status:        e.Status.String(),
		CodeHash:      e.CodeHash,
		Timeout:       e.Timeout.String(),
		StartedAt:     e.StartedAt,
		FinishedAt:    e.FinishedAt,
		PID:           e.PID,
		KillRequested: e.KillRequested,
		Error:         e.Error,
		Result:        newResultResponse(e.Result),
	}
}

func securityEvents(detections []monitor.Detection) []SecurityEvent {
	if len(detections) == 0 {
		return nil
	}
	events := make([]SecurityEvent, 0, len(detections))
	for _, d := range detections {
		events = append(events, SecurityEvent{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}
	return events
}
