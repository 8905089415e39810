package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecord_MarkRunningOnce(t *testing.T) {
	r := newRecord("a", "hash", time.Second)
	w := &Worker{pid: 42, terminated: make(chan struct{})}

	if !r.markRunning(w) {
		t.Fatal("first markRunning() = false, want true")
	}
	if r.markRunning(&Worker{pid: 43}) {
		t.Error("second markRunning() = true, want false")
	}
	if got := r.snapshot().PID; got != 42 {
		t.Errorf("PID = %d, want 42 (handle must be write-once)", got)
	}
	if got := r.currentStatus(); got != StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

func TestRecord_MarkRunningAfterFinish(t *testing.T) {
	r := newRecord("a", "hash", time.Second)
	r.finish(StatusFailed, nil, ErrClosed)
	if r.markRunning(&Worker{pid: 1}) {
		t.Error("markRunning() on a terminal record = true, want false")
	}
	if got := r.currentStatus(); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRecord_FinishFirstWins(t *testing.T) {
	r := newRecord("a", "hash", time.Second)

	var wins atomic.Int32
	var wg sync.WaitGroup
	statuses := []Status{StatusCompleted, StatusFailed, StatusTimedOut, StatusKilled}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(s Status) {
			defer wg.Done()
			if r.finish(s, nil, nil) {
				wins.Add(1)
			}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("finish() succeeded %d times, want exactly 1", wins.Load())
	}
	select {
	case <-r.done:
	default:
		t.Error("done channel not closed after finish")
	}
	snap := r.snapshot()
	if !snap.Status.Terminal() || snap.FinishedAt == nil {
		t.Errorf("snapshot = %+v, want terminal with FinishedAt", snap)
	}
}

func TestRecord_FinishRecordsFailure(t *testing.T) {
	r := newRecord("a", "hash", time.Second)
	r.finish(StatusFailed, nil, errors.New("launch failed"))
	if got := r.snapshot().Error; got != "launch failed" {
		t.Errorf("Error = %q, want %q", got, "launch failed")
	}
}

func TestRecord_FinishPanicsOnNonTerminal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("finish(StatusRunning) did not panic")
		}
	}()
	newRecord("a", "hash", time.Second).finish(StatusRunning, nil, nil)
}

func TestRecord_TerminateRequiresRunning(t *testing.T) {
	r := newRecord("a", "hash", time.Second)
	ok, err := r.terminate()
	if ok || err != nil {
		t.Errorf("terminate() on queued = %v, %v; want false, nil", ok, err)
	}
	if r.wasKilled() {
		t.Error("wasKilled() = true after a no-op terminate")
	}
}

func TestRecord_TerminateReapedWorker(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}

	r := newRecord("a", "hash", time.Second)
	r.markRunning(&Worker{cmd: cmd, pid: cmd.Process.Pid, terminated: make(chan struct{})})

	ok, err := r.terminate()
	if ok || err != nil {
		t.Errorf("terminate() on reaped worker = %v, %v; want false, nil", ok, err)
	}
	if r.wasKilled() {
		t.Error("wasKilled() = true for a worker that was already gone")
	}
	if !errors.Is(cmd.Process.Signal(os.Interrupt), os.ErrProcessDone) {
		t.Error("expected the process to be reported done")
	}
}

func TestRecord_FinishIf(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(r *record)
		wantOK     bool
		wantStatus Status
	}{
		{"queued", func(*record) {}, true, StatusFailed},
		{"running", func(r *record) { r.markRunning(&Worker{pid: 7, terminated: make(chan struct{})}) }, false, StatusRunning},
		{"already finished", func(r *record) { r.finish(StatusCompleted, &ExecutionResult{}, nil) }, false, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecord("a", "hash", time.Second)
			tt.setup(r)

			if ok := r.finishIf(StatusQueued, StatusFailed, nil, ErrClosed); ok != tt.wantOK {
				t.Errorf("finishIf() = %v, want %v", ok, tt.wantOK)
			}
			if got := r.currentStatus(); got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestRecord_FinishIfRacesMarkRunning(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := newRecord("a", "hash", time.Second)
		w := &Worker{pid: 7, terminated: make(chan struct{})}

		var started, failed atomic.Bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); started.Store(r.markRunning(w)) }()
		go func() { defer wg.Done(); failed.Store(r.finishIf(StatusQueued, StatusFailed, nil, ErrClosed)) }()
		wg.Wait()

		if started.Load() == failed.Load() {
			t.Fatalf("markRunning() = %v, finishIf() = %v; exactly one must win", started.Load(), failed.Load())
		}
		want := StatusRunning
		if failed.Load() {
			want = StatusFailed
		}
		if got := r.currentStatus(); got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	}
}

func TestRecord_TerminateAfterDeadline(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exec sleep 10")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cmd.Wait() }()

	r := newRecord("a", "hash", time.Second)
	w := &Worker{cmd: cmd, pid: cmd.Process.Pid, terminated: make(chan struct{})}
	r.markRunning(w)

	if first, _ := w.expire(); !first {
		t.Fatal("expire() first = false on an untouched worker")
	}
	ok, err := r.terminate()
	if ok || err != nil {
		t.Errorf("terminate() after the deadline = %v, %v; want false, nil", ok, err)
	}
	if r.wasKilled() {
		t.Error("wasKilled() = true for a worker the deadline already killed")
	}
}

func TestRegistry_InsertDuplicate(t *testing.T) {
	g := newRegistry()
	if err := g.insert(newRecord("a", "h", time.Second)); err != nil {
		t.Fatalf("insert() = %v", err)
	}
	if err := g.insert(newRecord("a", "h", time.Second)); err == nil {
		t.Error("insert() of a duplicate id succeeded")
	}
	if g.len() != 1 {
		t.Errorf("len() = %d, want 1", g.len())
	}
}

func TestRegistry_SweepKeepsActive(t *testing.T) {
	g := newRegistry()

	queued := newRecord("queued", "h", time.Second)
	running := newRecord("running", "h", time.Second)
	running.markRunning(&Worker{pid: 1})
	done := newRecord("done", "h", time.Second)
	done.finish(StatusCompleted, &ExecutionResult{}, nil)
	killed := newRecord("killed", "h", time.Second)
	killed.finish(StatusKilled, nil, nil)

	for _, r := range []*record{queued, running, done, killed} {
		if err := g.insert(r); err != nil {
			t.Fatal(err)
		}
	}

	if n := g.sweep(); n != 2 {
		t.Errorf("sweep() = %d, want 2", n)
	}
	for _, id := range []string{"queued", "running"} {
		if _, ok := g.get(id); !ok {
			t.Errorf("%s record removed by sweep", id)
		}
	}
	for _, id := range []string{"done", "killed"} {
		if _, ok := g.get(id); ok {
			t.Errorf("%s record survived sweep", id)
		}
	}
}

func TestRegistry_AllOrdered(t *testing.T) {
	g := newRegistry()
	first := newRecord("first", "h", time.Second)
	second := newRecord("second", "h", time.Second)
	second.startedAt = first.startedAt.Add(time.Millisecond)
	_ = g.insert(second)
	_ = g.insert(first)

	all := g.all()
	if len(all) != 2 || all[0].id != "first" || all[1].id != "second" {
		t.Errorf("all() order = [%s %s], want [first second]", all[0].id, all[1].id)
	}
}
