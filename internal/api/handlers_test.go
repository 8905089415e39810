package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"safe-python-sandbox/internal/monitor"
	"safe-python-sandbox/internal/sandbox"
	"safe-python-sandbox/internal/storage"
)

// fakeCoordinator implements Coordinator for handler tests.
type fakeCoordinator struct {
	mu        sync.Mutex
	execs     map[string]sandbox.Execution
	order     []string
	submitErr error
	submitted []sandbox.ExecutionRequest
	killable  bool
	kills     []string
	blockWait bool
	cleaned   int
	lookups   int
	changed   chan struct{} // closed and replaced on every put
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		execs:   make(map[string]sandbox.Execution),
		changed: make(chan struct{}),
	}
}

func (f *fakeCoordinator) put(e sandbox.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.execs[e.ID]; !ok {
		f.order = append(f.order, e.ID)
	}
	f.execs[e.ID] = e
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeCoordinator) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeCoordinator) Submit(_ context.Context, req sandbox.ExecutionRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("exec-%d", len(f.submitted))
	f.mu.Unlock()

	finished := time.Now()
	f.put(sandbox.Execution{
		ID:         id,
		Status:     sandbox.StatusCompleted,
		CodeHash:   "hash",
		Timeout:    30 * time.Second,
		StartedAt:  finished.Add(-time.Millisecond),
		FinishedAt: &finished,
		Result:     &sandbox.ExecutionResult{ExitCode: 0, Stdout: "ok\n", Duration: time.Millisecond},
	})
	return id, nil
}

func (f *fakeCoordinator) Lookup(id string) (sandbox.Execution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	e, ok := f.execs[id]
	return e, ok
}

func (f *fakeCoordinator) List() []sandbox.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Execution, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.execs[id])
	}
	return out
}

func (f *fakeCoordinator) Wait(ctx context.Context, id string) (sandbox.Execution, error) {
	if f.blockWait {
		<-ctx.Done()
		return sandbox.Execution{}, ctx.Err()
	}
	for {
		f.mu.Lock()
		e, ok := f.execs[id]
		changed := f.changed
		f.mu.Unlock()
		if !ok {
			return sandbox.Execution{}, sandbox.ErrUnknown
		}
		if e.Status.Terminal() {
			return e, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return e, ctx.Err()
		}
	}
}

func (f *fakeCoordinator) Kill(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	return f.killable
}

func (f *fakeCoordinator) Cleanup() int       { return f.cleaned }
func (f *fakeCoordinator) ActiveCount() int64 { return 0 }

// fakeArchive implements Archive for history tests.
type fakeArchive struct {
	mu      sync.Mutex
	rows    map[string]*storage.Execution
	filter  storage.ExecutionFilter
	events  []*storage.SecurityEventRecord
	healthy bool
	listErr error
}

func (a *fakeArchive) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	if row, ok := a.rows[id]; ok {
		return row, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
}

func (a *fakeArchive) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	a.filter = filter
	if a.listErr != nil {
		return nil, a.listErr
	}
	var out []storage.Execution
	for _, row := range a.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (a *fakeArchive) LogSecurityEvent(_ context.Context, event *storage.SecurityEventRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeArchive) Healthy(context.Context) bool { return a.healthy }

func (a *fakeArchive) eventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func newTestHandlers(coord Coordinator) *Handlers {
	h := NewHandlers(coord, nil, monitor.NewMetrics(), true)
	h.pollInterval = 5 * time.Millisecond
	return h
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// withID routes through a mux so r.PathValue works.
func withID(pattern string, handler http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, handler)
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp
}

func TestHandleSubmit_Accepted(t *testing.T) {
	coord := newFakeCoordinator()
	h := newTestHandlers(coord)

	rec := postJSON(t, h.HandleSubmit, map[string]any{
		"code":            "print('hi')",
		"stdin":           "input",
		"timeout":         "3s",
		"memory_limit_mb": 128,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "exec-1" || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}
	if loc := rec.Header().Get("Location"); loc != "/executions/exec-1" {
		t.Errorf("Location = %q", loc)
	}

	got := coord.submitted[0]
	if got.Stdin != "input" || got.Timeout != 3*time.Second || got.MemoryLimitMB != 128 {
		t.Errorf("forwarded request = %+v", got)
	}
}

func TestHandleExecute_Success(t *testing.T) {
	h := newTestHandlers(newFakeCoordinator())

	rec := postJSON(t, h.HandleExecute, map[string]string{"code": "print('ok')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" {
		t.Errorf("Status = %q, want completed", resp.Status)
	}
	if resp.Result == nil || resp.Result.Stdout != "ok\n" || resp.Result.ExitCode != 0 {
		t.Errorf("Result = %+v", resp.Result)
	}
}

func TestHandleExecute_ClientGoneKills(t *testing.T) {
	coord := newFakeCoordinator()
	coord.blockWait = true
	coord.killable = true
	h := newTestHandlers(coord)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"while True: pass"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.HandleExecute(rec, req)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleExecute did not return after the client disconnected")
	}
	if len(coord.kills) != 1 || coord.kills[0] != "exec-1" {
		t.Errorf("kills = %v, want [exec-1]", coord.kills)
	}
}

func TestHandleExecute_EscapeDetection(t *testing.T) {
	h := newTestHandlers(newFakeCoordinator())

	rec := postJSON(t, h.HandleExecute, map[string]string{
		"code": "import ctypes\nctypes.CDLL(None)",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Code != "SECURITY_BLOCKED" {
		t.Errorf("code = %q, want SECURITY_BLOCKED", resp.Code)
	}
}

func TestHandleSubmit_EscapeDetectionArchived(t *testing.T) {
	coord := newFakeCoordinator()
	archive := &fakeArchive{}
	h := NewHandlers(coord, archive, monitor.NewMetrics(), true)

	rec := postJSON(t, h.HandleSubmit, map[string]string{"code": "().__class__.__bases__[0].__subclasses__()"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(coord.submitted) != 0 {
		t.Error("blocked code reached the coordinator")
	}

	deadline := time.Now().Add(5 * time.Second)
	for archive.eventCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if archive.eventCount() == 0 {
		t.Error("no security event archived")
	}
}

func TestHandleSubmit_NonCriticalDetectionPasses(t *testing.T) {
	coord := newFakeCoordinator()
	h := newTestHandlers(coord)

	rec := postJSON(t, h.HandleSubmit, map[string]string{"code": "open('/etc/passwd').read()"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.SecurityEvents) == 0 {
		t.Error("expected the sensitive file access to be reported")
	}
}

func TestHandleSubmit_BlockingDisabled(t *testing.T) {
	coord := newFakeCoordinator()
	h := NewHandlers(coord, nil, monitor.NewMetrics(), false)

	rec := postJSON(t, h.HandleSubmit, map[string]string{"code": "import ctypes"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 with blocking disabled", rec.Code)
	}
}

func TestHandleSubmit_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
		wantCode  string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing code", `{"stdin":"x"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad timeout", `{"code":"pass","timeout":"soon"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{
			"rejected by sandbox", `{"code":"pass"}`,
			&sandbox.ExecutionError{Op: "validate", Err: fmt.Errorf("%w: timeout too long", sandbox.ErrInvalidRequest)},
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{"closed", `{"code":"pass"}`, sandbox.ErrClosed, http.StatusServiceUnavailable, "SANDBOX_CLOSED"},
		{"internal", `{"code":"pass"}`, errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := newFakeCoordinator()
			coord.submitErr = tt.submitErr
			h := newTestHandlers(coord)

			req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleSubmit(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tt.want, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleSubmit_BodyTooLarge(t *testing.T) {
	h := newTestHandlers(newFakeCoordinator())
	handler := MaxBodyMiddleware(16)(http.HandlerFunc(h.HandleSubmit))

	req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(`{"code":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestHandlers_Unavailable(t *testing.T) {
	h := NewHandlers(nil, nil, monitor.NewMetrics(), true)

	rec := postJSON(t, h.HandleExecute, map[string]string{"code": "pass"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("execute status = %d, want 503", rec.Code)
	}
	rec = withID("GET /executions/{id}", h.HandleGetExecution, http.MethodGet, "/executions/x")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("get status = %d, want 503", rec.Code)
	}
	rec = withID("GET /history", h.HandleHistory, http.MethodGet, "/history")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("history status = %d, want 503", rec.Code)
	}
}

func TestHandleGetExecution(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{ID: "running", Status: sandbox.StatusRunning, PID: 42, Timeout: time.Second})
	h := newTestHandlers(coord)

	rec := withID("GET /executions/{id}", h.HandleGetExecution, http.MethodGet, "/executions/running")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "running" || resp.PID != 42 || resp.Result != nil {
		t.Errorf("response = %+v", resp)
	}

	rec = withID("GET /executions/{id}", h.HandleGetExecution, http.MethodGet, "/executions/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestHandleGetExecution_OutputDetections(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{
		ID:     "leak",
		Status: sandbox.StatusCompleted,
		Result: &sandbox.ExecutionResult{Stdout: "root:x:0:0:root:/root:/bin/bash\n"},
	})
	h := newTestHandlers(coord)

	rec := withID("GET /executions/{id}", h.HandleGetExecution, http.MethodGet, "/executions/leak")
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.SecurityEvents) == 0 {
		t.Error("expected passwd contents in output to be flagged")
	}
}

func TestHandleGetResult(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{ID: "queued", Status: sandbox.StatusQueued})
	coord.put(sandbox.Execution{ID: "nores", Status: sandbox.StatusFailed, Error: "launch failed"})
	coord.put(sandbox.Execution{
		ID:     "done",
		Status: sandbox.StatusFailed,
		Result: &sandbox.ExecutionResult{ExitCode: 1, Stderr: "Error: boom\n", Duration: time.Second},
	})
	h := newTestHandlers(coord)

	tests := []struct {
		id   string
		want int
	}{
		{"queued", http.StatusConflict},
		{"nores", http.StatusNotFound},
		{"done", http.StatusOK},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := withID("GET /executions/{id}/result", h.HandleGetResult, http.MethodGet, "/executions/"+tt.id+"/result")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK {
				var res ResultResponse
				if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
					t.Fatal(err)
				}
				if res.ExitCode != 1 || res.Stderr != "Error: boom\n" {
					t.Errorf("result = %+v", res)
				}
			}
		})
	}
}

func TestHandleListExecutions(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{ID: "a", Status: sandbox.StatusRunning})
	coord.put(sandbox.Execution{ID: "b", Status: sandbox.StatusCompleted})
	coord.put(sandbox.Execution{ID: "c", Status: sandbox.StatusCompleted})
	h := newTestHandlers(coord)

	tests := []struct {
		query string
		want  int
		code  int
	}{
		{"", 3, http.StatusOK},
		{"?status=completed", 2, http.StatusOK},
		{"?status=running", 1, http.StatusOK},
		{"?status=killed", 0, http.StatusOK},
		{"?status=bogus", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := withID("GET /executions", h.HandleListExecutions, http.MethodGet, "/executions"+tt.query)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp ListResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Count != tt.want || len(resp.Executions) != tt.want {
				t.Errorf("count = %d (%d items), want %d", resp.Count, len(resp.Executions), tt.want)
			}
		})
	}
}

func TestHandleKillExecution(t *testing.T) {
	tests := []struct {
		name     string
		status   sandbox.Status
		killable bool
		target   string
		want     int
	}{
		{"running", sandbox.StatusRunning, true, "/executions/x", http.StatusAccepted},
		{"already finished", sandbox.StatusCompleted, false, "/executions/x", http.StatusConflict},
		{"queued", sandbox.StatusQueued, false, "/executions/x", http.StatusConflict},
		{"unknown", sandbox.StatusRunning, true, "/executions/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := newFakeCoordinator()
			coord.killable = tt.killable
			coord.put(sandbox.Execution{ID: "x", Status: tt.status})
			h := newTestHandlers(coord)

			rec := withID("DELETE /executions/{id}", h.HandleKillExecution, http.MethodDelete, tt.target)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHandleCleanup(t *testing.T) {
	coord := newFakeCoordinator()
	coord.cleaned = 7
	h := newTestHandlers(coord)

	rec := withID("POST /cleanup", h.HandleCleanup, http.MethodPost, "/cleanup")
	var resp CleanupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Removed != 7 {
		t.Errorf("Removed = %d, want 7", resp.Removed)
	}
}

func TestHandleEvents(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{ID: "e", Status: sandbox.StatusRunning})
	h := newTestHandlers(coord)

	srv := httptest.NewServer(LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /executions/{id}/events", h.HandleEvents)
		mux.ServeHTTP(w, r)
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/e/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		finished := time.Now()
		coord.put(sandbox.Execution{
			ID:         "e",
			Status:     sandbox.StatusKilled,
			FinishedAt: &finished,
			Result:     &sandbox.ExecutionResult{ExitCode: -1, Signal: "terminated"},
		})
	}()

	var events []string
	var doneData string
	scanner := bufio.NewScanner(resp.Body)
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			events = append(events, current)
		case strings.HasPrefix(line, "data: ") && current == "done":
			doneData = strings.TrimPrefix(line, "data: ")
		}
	}

	want := []string{"status", "status", "done"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	var final ExecutionResponse
	if err := json.Unmarshal([]byte(doneData), &final); err != nil {
		t.Fatalf("decoding done event %q: %v", doneData, err)
	}
	if final.Status != "killed" || final.Result == nil || final.Result.Signal != "terminated" {
		t.Errorf("done payload = %+v", final)
	}
	if n := coord.lookupCount(); n != 1 {
		t.Errorf("Lookup called %d times for a running execution, want 1", n)
	}
}

func TestHandleEvents_FromQueued(t *testing.T) {
	coord := newFakeCoordinator()
	coord.put(sandbox.Execution{ID: "q", Status: sandbox.StatusQueued})
	h := newTestHandlers(coord)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /executions/{id}/events", h.HandleEvents)
		mux.ServeHTTP(w, r)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/q/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		coord.put(sandbox.Execution{ID: "q", Status: sandbox.StatusRunning})
		time.Sleep(100 * time.Millisecond)
		finished := time.Now()
		coord.put(sandbox.Execution{
			ID:         "q",
			Status:     sandbox.StatusCompleted,
			FinishedAt: &finished,
			Result:     &sandbox.ExecutionResult{Stdout: "ok\n"},
		})
	}()

	var statuses []string
	var events []string
	current := ""
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			events = append(events, current)
		case strings.HasPrefix(line, "data: ") && current == "status":
			var ev map[string]string
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatal(err)
			}
			statuses = append(statuses, ev["status"])
		}
	}

	if got, want := strings.Join(statuses, ","), "queued,running,completed"; got != want {
		t.Errorf("statuses = %s, want %s", got, want)
	}
	if len(events) == 0 || events[len(events)-1] != "done" {
		t.Errorf("events = %v, want a trailing done", events)
	}
}

func TestHandleEvents_AlreadyTerminal(t *testing.T) {
	coord := newFakeCoordinator()
	finished := time.Now()
	coord.put(sandbox.Execution{ID: "t", Status: sandbox.StatusTimedOut, FinishedAt: &finished})
	h := newTestHandlers(coord)

	rec := withID("GET /executions/{id}/events", h.HandleEvents, http.MethodGet, "/executions/t/events")
	body := rec.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, "event: done") {
		t.Errorf("body = %q, want a status and a done event", body)
	}
}

func TestHandleHistory(t *testing.T) {
	archive := &fakeArchive{rows: map[string]*storage.Execution{
		"h1": {ID: "h1", Status: "completed"},
	}}
	h := NewHandlers(newFakeCoordinator(), archive, monitor.NewMetrics(), true)

	rec := withID("GET /history", h.HandleHistory, http.MethodGet,
		"/history?status=completed&code_hash=abc&limit=5&offset=10&since=2026-01-01T00:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	f := archive.filter
	if f.Status != "completed" || f.CodeHash != "abc" || f.Limit != 5 || f.Offset != 10 {
		t.Errorf("filter = %+v", f)
	}
	if f.Since == nil || f.Since.Year() != 2026 || f.Until != nil {
		t.Errorf("time bounds = %v / %v", f.Since, f.Until)
	}

	for _, q := range []string{"?limit=-1", "?offset=x", "?since=yesterday", "?status=bogus"} {
		rec := withID("GET /history", h.HandleHistory, http.MethodGet, "/history"+q)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}

	archive.listErr = errors.New("db down")
	rec = withID("GET /history", h.HandleHistory, http.MethodGet, "/history")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 on query failure", rec.Code)
	}
}

func TestHandleHistoryGet(t *testing.T) {
	archive := &fakeArchive{rows: map[string]*storage.Execution{
		"h1": {ID: "h1", Status: "timed_out", Stdout: "partial"},
	}}
	h := NewHandlers(newFakeCoordinator(), archive, monitor.NewMetrics(), true)

	rec := withID("GET /history/{id}", h.HandleHistoryGet, http.MethodGet, "/history/h1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var row storage.Execution
	if err := json.NewDecoder(rec.Body).Decode(&row); err != nil {
		t.Fatal(err)
	}
	if row.Status != "timed_out" || row.Stdout != "partial" {
		t.Errorf("row = %+v", row)
	}

	rec = withID("GET /history/{id}", h.HandleHistoryGet, http.MethodGet, "/history/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}
