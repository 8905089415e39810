package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRemoveOrphanWorkspaces(t *testing.T) {
	base := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)

	age := func(p string, mtime time.Time) {
		t.Helper()
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	mkdir := func(name string, mtime time.Time) string {
		t.Helper()
		p := filepath.Join(base, name)
		if err := os.MkdirAll(filepath.Join(p, "exec-1"), 0o700); err != nil {
			t.Fatal(err)
		}
		age(p, mtime)
		return p
	}

	stale := mkdir("python-sandbox-111", old)
	fresh := mkdir("python-sandbox-222", time.Now())
	unrelated := mkdir("other-333", old)

	// An idle coordinator: old mtime, but its owner still holds the lock.
	idle := mkdir("python-sandbox-444", old)
	lock, err := lockWorkspace(idle)
	if err != nil {
		t.Fatalf("lockWorkspace() = %v", err)
	}
	t.Cleanup(func() { lock.Close() })
	age(idle, old)

	// A crashed coordinator: the lock file remains but nobody holds it.
	crashed := mkdir("python-sandbox-555", old)
	dead, err := lockWorkspace(crashed)
	if err != nil {
		t.Fatalf("lockWorkspace() = %v", err)
	}
	dead.Close()
	age(crashed, old)

	staleFile := filepath.Join(base, "python-sandbox-file")
	if err := os.WriteFile(staleFile, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	age(staleFile, old)

	if got := removeOrphanWorkspaces(base, orphanAge); got != 2 {
		t.Errorf("removeOrphanWorkspaces() = %d, want 2", got)
	}

	tests := []struct {
		path   string
		exists bool
	}{
		{stale, false},
		{crashed, false},
		{idle, true},
		{fresh, true},
		{unrelated, true},
		{staleFile, true},
	}
	for _, tt := range tests {
		_, err := os.Stat(tt.path)
		if exists := err == nil; exists != tt.exists {
			t.Errorf("%s exists = %v, want %v", filepath.Base(tt.path), exists, tt.exists)
		}
	}
}

func TestLockWorkspace_Exclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := lockWorkspace(dir)
	if err != nil {
		t.Fatalf("lockWorkspace() = %v", err)
	}
	if !workspaceOwned(dir) {
		t.Error("workspaceOwned() = false while the lock is held")
	}
	if _, err := lockWorkspace(dir); err == nil {
		t.Error("second lockWorkspace() succeeded while the first is held")
	}

	first.Close()
	if workspaceOwned(dir) {
		t.Error("workspaceOwned() = true after the owner released the lock")
	}
}

func TestNewCoordinator_KeepsIdlePeerWorkspace(t *testing.T) {
	peer := newTestCoordinator(t, nil)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(peer.workspace, old, old); err != nil {
		t.Fatal(err)
	}

	// Starting a second coordinator sweeps the shared temp dir.
	newTestCoordinator(t, nil)

	if _, err := os.Stat(peer.workspace); err != nil {
		t.Fatalf("idle peer workspace was removed: %v", err)
	}
	e := waitDone(t, peer, submit(t, peer, "echo still-here"))
	if e.Status != StatusCompleted || e.Result.Stdout != "still-here\n" {
		t.Errorf("peer execution = %s %+v, want completed", e.Status, e.Result)
	}
}
