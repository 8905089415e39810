package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	workspacePattern = "python-sandbox-*"
	orphanAge        = 24 * time.Hour
	ownerLockName    = ".owner.lock"
)

// lockWorkspace takes an exclusive flock on the workspace's owner file. The
// lock lives as long as the returned file stays open, and the kernel drops
// it when the owning process dies.
func lockWorkspace(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, ownerLockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating owner lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking workspace: %w", err)
	}
	return f, nil
}

// workspaceOwned reports whether a live process holds dir's owner lock.
func workspaceOwned(dir string) bool {
	f, err := os.Open(filepath.Join(dir, ownerLockName))
	if err != nil {
		return false
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false
	}
	return errors.Is(err, unix.EWOULDBLOCK)
}

// removeOrphanWorkspaces deletes private workspaces under base that a
// crashed coordinator left behind. A directory is removed only when no
// process holds its owner lock and it has been untouched for longer than
// olderThan, so idle coordinators sharing base keep their workspace.
func removeOrphanWorkspaces(base string, olderThan time.Duration) int {
	matches, err := filepath.Glob(filepath.Join(base, workspacePattern))
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, dir := range matches {
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if workspaceOwned(dir) {
			log.Debug().Str("path", dir).Msg("workspace has a live owner, keeping it")
			continue
		}
		log.Warn().Str("path", dir).Time("modified", info.ModTime()).Msg("removing orphaned sandbox workspace")
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("orphaned workspace removal failed")
			continue
		}
		removed++
	}
	return removed
}
