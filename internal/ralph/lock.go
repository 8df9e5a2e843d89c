package ralph

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLockHeld means another live process holds the workspace lock. Fatal for
// the invoking run only; the holder's state is untouched.
var ErrLockHeld = errors.New("another run is active")

// Liveness checks whether a process identifier refers to a live process.
// Wrapped behind an interface because the check is platform-specific and the
// locking logic should not be.
type Liveness interface {
	Alive(pid int) bool
}

// ProcessLiveness implements Liveness via signal 0.
type ProcessLiveness struct{}

// Alive reports whether the pid refers to a running process. EPERM counts as
// alive: the process exists but belongs to another user.
func (ProcessLiveness) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Lock is a PID-based advisory lock guarding one workspace directory against
// concurrent retry loops.
type Lock struct {
	path     string
	liveness Liveness
	log      *slog.Logger
	held     bool
}

// NewLock creates a lock for a workspace directory.
func NewLock(dir string, liveness Liveness, log *slog.Logger) *Lock {
	if liveness == nil {
		liveness = ProcessLiveness{}
	}
	return &Lock{
		path:     filepath.Join(dir, stateDirName, lockFileName),
		liveness: liveness,
		log:      log,
	}
}

// Acquire takes the lock. A lock file naming a live process fails with
// ErrLockHeld; a stale file naming a dead process is discarded with a
// warning and replaced.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	if data, err := os.ReadFile(l.path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && l.liveness.Alive(pid) {
			return fmt.Errorf("%w (pid %d holds %s)", ErrLockHeld, pid, l.path)
		}
		l.log.Warn("removing stale lock", "path", l.path, "pid", pid)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}

	// O_EXCL so two loops racing for the same workspace cannot both win.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (%s)", ErrLockHeld, l.path)
		}
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("writing lock file: %w", err)
	}

	l.held = true
	return nil
}

// Release removes the lock. Unconditional and safe to call even if Acquire
// never succeeded.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("releasing lock", "path", l.path, "error", err)
	}
	l.held = false
}
