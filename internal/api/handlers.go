package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"safe-python-sandbox/internal/monitor"
	"safe-python-sandbox/internal/sandbox"
	"safe-python-sandbox/internal/storage"
)

// Coordinator is the part of sandbox.Coordinator the API drives.
type Coordinator interface {
	Submit(ctx context.Context, req sandbox.ExecutionRequest) (string, error)
	Lookup(id string) (sandbox.Execution, bool)
	List() []sandbox.Execution
	Wait(ctx context.Context, id string) (sandbox.Execution, error)
	Kill(id string) bool
	Cleanup() int
	ActiveCount() int64
}

// Archive is the audit store behind /history.
type Archive interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	LogSecurityEvent(ctx context.Context, event *storage.SecurityEventRecord) error
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	coord         Coordinator
	archive       Archive
	metrics       *monitor.Metrics
	detector      *monitor.EscapeDetector
	blockCritical bool
	pollInterval  time.Duration
}

func NewHandlers(coord Coordinator, archive Archive, metrics *monitor.Metrics, blockCritical bool) *Handlers {
	return &Handlers{
		coord:         coord,
		archive:       archive,
		metrics:       metrics,
		detector:      monitor.NewEscapeDetector(),
		blockCritical: blockCritical,
		pollInterval:  100 * time.Millisecond,
	}
}

// HandleSubmit accepts an execution and returns its id without waiting.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	id, events, ok := h.submit(w, r)
	if !ok {
		return
	}
	w.Header().Set("Location", "/executions/"+id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:             id,
		Status:         sandbox.StatusQueued.String(),
		SecurityEvents: events,
	})
}

// HandleExecute submits an execution and blocks until it is terminal. A
// client that disconnects first has its execution killed.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id, events, ok := h.submit(w, r)
	if !ok {
		return
	}

	exec, err := h.coord.Wait(r.Context(), id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			killed := h.coord.Kill(id)
			log.Warn().
				Str("exec_id", id).
				Bool("killed", killed).
				Str("request_id", RequestIDFromContext(r.Context())).
				Msg("client went away before execution finished")
			return
		}
		h.metrics.RecordError("internal")
		writeError(w, "waiting for execution failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	resp := h.describe(exec)
	resp.SecurityEvents = append(events, resp.SecurityEvents...)
	writeJSON(w, http.StatusOK, resp)
}

// submit decodes, screens and submits a request. It writes the error
// response itself and reports ok=false when the request was rejected.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request) (string, []SecurityEvent, bool) {
	if h.coord == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return "", nil, false
	}

	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return "", nil, false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return "", nil, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return "", nil, false
	}

	detections := h.detector.AnalyzeCode(req.Code)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	blocked := h.blockCritical && monitor.HasCritical(detections)
	h.archiveDetections(detections, blocked, r)
	if blocked {
		log.Warn().
			Int("detections", len(detections)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("rejected code with critical escape patterns")
		writeError(w, "code matches a blocked escape pattern", "SECURITY_BLOCKED", http.StatusForbidden, r)
		return "", nil, false
	}

	id, err := h.coord.Submit(r.Context(), req.toSandbox())
	if err != nil {
		switch {
		case sandbox.IsInvalidRequest(err):
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		case errors.Is(err, sandbox.ErrClosed):
			writeError(w, "sandbox is shutting down", "SANDBOX_CLOSED", http.StatusServiceUnavailable, r)
		default:
			h.metrics.RecordError("internal")
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submit failed")
			writeError(w, "submit failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return "", nil, false
	}
	return id, securityEvents(detections), true
}

func (h *Handlers) archiveDetections(detections []monitor.Detection, blocked bool, r *http.Request) {
	if h.archive == nil || len(detections) == 0 {
		return
	}
	requestID := RequestIDFromContext(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, d := range detections {
			err := h.archive.LogSecurityEvent(ctx, &storage.SecurityEventRecord{
				Type:     d.Pattern,
				Severity: d.Severity,
				Detail:   d.Detail,
				Blocked:  blocked,
			})
			if err != nil {
				log.Warn().Err(err).Str("request_id", requestID).Msg("archiving security event failed")
				return
			}
		}
	}()
}

// describe converts a snapshot and annotates suspicious output.
func (h *Handlers) describe(exec sandbox.Execution) ExecutionResponse {
	resp := newExecutionResponse(exec)
	if exec.Result == nil {
		return resp
	}
	detections := h.detector.AnalyzeOutput(exec.Result.Stdout + "\n" + exec.Result.Stderr)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	resp.SecurityEvents = securityEvents(detections)
	return resp
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.describe(exec))
}

// HandleGetResult returns only the captured output. Executions that are
// still active answer 409; terminal ones without a result answer 404.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !exec.Status.Terminal() {
		writeError(w, "execution is "+exec.Status.String(), "NOT_FINISHED", http.StatusConflict, r)
		return
	}
	if exec.Result == nil {
		writeError(w, "execution produced no result", "RESULT_UNAVAILABLE", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(exec.Result))
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.coord == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	var want *sandbox.Status
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := sandbox.ParseStatus(v)
		if err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		want = &s
	}

	execs := h.coord.List()
	resp := ListResponse{Executions: make([]ExecutionResponse, 0, len(execs))}
	for _, e := range execs {
		if want != nil && e.Status != *want {
			continue
		}
		resp.Executions = append(resp.Executions, newExecutionResponse(e))
	}
	resp.Count = len(resp.Executions)
	writeJSON(w, http.StatusOK, resp)
}

// HandleKillExecution asks a running worker to stop. The record turns
// Killed once the worker exits; poll the execution or its events for that.
func (h *Handlers) HandleKillExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !h.coord.Kill(exec.ID) {
		current := exec.Status
		if latest, ok := h.coord.Lookup(exec.ID); ok {
			current = latest.Status
		}
		writeError(w, "execution is "+current.String()+", nothing to kill", "NOT_KILLABLE", http.StatusConflict, r)
		return
	}
	writeJSON(w, http.StatusAccepted, KillResponse{ID: exec.ID, Status: "kill_requested"})
}

// HandleEvents streams status changes as Server-Sent Events until the
// execution is terminal or the client disconnects.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	stream := newEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	last := exec.Status
	if err := stream.send("status", map[string]string{"id": exec.ID, "status": last.String()}); err != nil {
		return
	}
	if last.Terminal() {
		_ = stream.send("done", h.describe(exec))
		return
	}

	type waitResult struct {
		exec sandbox.Execution
		err  error
	}
	ctx := r.Context()
	final := make(chan waitResult, 1)
	go func() {
		e, err := h.coord.Wait(ctx, exec.ID)
		final <- waitResult{e, err}
	}()

	// Nothing signals Queued to Running, so only that step is polled.
	var started <-chan time.Time
	if last == sandbox.StatusQueued {
		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()
		started = ticker.C
	}
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if err := stream.comment(); err != nil {
				return
			}
		case <-started:
			latest, ok := h.coord.Lookup(exec.ID)
			if !ok || latest.Status == sandbox.StatusQueued {
				continue
			}
			started = nil
			if latest.Status.Terminal() {
				continue
			}
			last = latest.Status
			if err := stream.send("status", map[string]string{"id": exec.ID, "status": last.String()}); err != nil {
				return
			}
		case res := <-final:
			if res.err != nil {
				if ctx.Err() == nil {
					_ = stream.send("error", res.err.Error())
				}
				return
			}
			if res.exec.Status != last {
				if err := stream.send("status", map[string]string{"id": exec.ID, "status": res.exec.Status.String()}); err != nil {
					return
				}
			}
			_ = stream.send("done", h.describe(res.exec))
			return
		}
	}
}

func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if h.coord == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Removed: h.coord.Cleanup()})
}

func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Status:   q.Get("status"),
		CodeHash: q.Get("code_hash"),
		Limit:    100,
	}
	if filter.Status != "" {
		if _, err := sandbox.ParseStatus(filter.Status); err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, p.name+" must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
				return
			}
			*p.dst = n
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, p.name+" must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
				return
			}
			*p.dst = &t
		}
	}

	execs, err := h.archive.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("history query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	id := r.PathValue("id")
	exec, err := h.archive.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("history lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (sandbox.Execution, bool) {
	if h.coord == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return sandbox.Execution{}, false
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.Execution{}, false
	}
	exec, ok := h.coord.Lookup(id)
	if !ok {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return sandbox.Execution{}, false
	}
	return exec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
