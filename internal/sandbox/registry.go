package sandbox

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// record is the mutable state of one execution. All fields after mu are
// guarded by it.
type record struct {
	id        string
	codeHash  string
	timeout   time.Duration
	startedAt time.Time
	done      chan struct{} // closed on the terminal transition

	mu            sync.Mutex
	status        Status
	worker        *Worker
	result        *ExecutionResult
	failure       string
	finishedAt    time.Time
	killRequested bool
}

func newRecord(id, codeHash string, timeout time.Duration) *record {
	return &record{
		id:        id,
		codeHash:  codeHash,
		timeout:   timeout,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		status:    StatusQueued,
	}
}

// markRunning attaches the worker. It only succeeds from Queued, which keeps
// the handle write-once.
func (r *record) markRunning(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusQueued || r.worker != nil {
		return false
	}
	r.worker = w
	r.status = StatusRunning
	return true
}

// finish moves the record to a terminal state. The first caller wins; later
// calls report false and change nothing.
func (r *record) finish(status Status, result *ExecutionResult, failure error) bool {
	mustBeTerminal(status)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.settle(status, result, failure)
	return true
}

// finishIf is finish guarded by the current status: it only applies while the
// record is still in from.
func (r *record) finishIf(from, status Status, result *ExecutionResult, failure error) bool {
	mustBeTerminal(status)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != from || r.status.Terminal() {
		return false
	}
	r.settle(status, result, failure)
	return true
}

func mustBeTerminal(status Status) {
	if !status.Terminal() {
		panic(fmt.Sprintf("sandbox: finish with non-terminal status %s", status))
	}
}

// settle requires r.mu.
func (r *record) settle(status Status, result *ExecutionResult, failure error) {
	r.status = status
	r.result = result
	if failure != nil {
		r.failure = failure.Error()
	}
	r.finishedAt = time.Now()
	close(r.done)
}

// terminate signals a running worker. It reports true only when a live
// process received the signal before its deadline did.
func (r *record) terminate() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning || r.worker == nil {
		return false, nil
	}
	if err := r.worker.Terminate(); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, errDeadlinePassed) {
			return false, nil
		}
		return false, err
	}
	r.killRequested = true
	return true, nil
}

func (r *record) wasKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killRequested
}

func (r *record) currentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *record) currentResult() *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *record) snapshot() Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Execution{
		ID:            r.id,
		Status:        r.status,
		CodeHash:      r.codeHash,
		Timeout:       r.timeout,
		StartedAt:     r.startedAt,
		Result:        r.result,
		Error:         r.failure,
		KillRequested: r.killRequested,
	}
	if r.worker != nil {
		e.PID = r.worker.PID()
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		e.FinishedAt = &t
	}
	return e
}

// registry maps execution ids to records. Lock order is registry then
// record; record methods never take the registry lock.
type registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

func (g *registry) insert(r *record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[r.id]; exists {
		return fmt.Errorf("duplicate execution id %s", r.id)
	}
	g.records[r.id] = r
	return nil
}

func (g *registry) get(id string) (*record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

// sweep drops every terminal record and keeps the rest.
func (g *registry) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, r := range g.records {
		if r.currentStatus().Terminal() {
			delete(g.records, id)
			removed++
		}
	}
	return removed
}

// all returns the records ordered by submission time.
func (g *registry) all() []*record {
	g.mu.RLock()
	out := make([]*record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

func (g *registry) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
