// Package lockfile guards a CarePipe state directory against a second server process.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the holder exits, cleanly or not. The file body names the holder.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "carepipe.lock"

// Holder describes the process that owns a lock.
type Holder struct {
	PID     int
	Addr    string
	Started time.Time
}

func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	if h.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", h.Addr)
	}
	if !h.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseHolder reads the key=value lines of a lock file. Unknown keys are ignored.
func parseHolder(content string) (Holder, bool) {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				h.PID = pid
			}
		case "addr":
			h.Addr = val
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				h.Started = t
			}
		}
	}
	return h, h.PID > 0
}

// Lock is an acquired state directory lock.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// AcquireLock takes an exclusive lock on stateDir, creating it if needed.
// addr is recorded so a conflicting start can say which server holds the directory.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lock.AcquireLock: attempting", "lockPath", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: the holder's details must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, ExistingInfo: describeHolder(lockPath), Cause: err}
		slog.Error("Lock.AcquireLock: state directory in use", "lockPath", lockPath, "holder", lockErr.ExistingInfo)
		return nil, lockErr
	}

	h := Holder{PID: os.Getpid(), Addr: addr, Started: time.Now()}
	if err := writeHolder(file, h); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lock.AcquireLock: acquired", "lockPath", lockPath, "pid", h.PID)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock.writeHolder: sync failed", "error", err)
	}
	return nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || !l.acquired || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Error("Lock.Release: unlock failed", "error", err, "lockPath", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "error", err, "lockPath", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Lock.Release: remove failed", "error", err, "lockPath", l.path)
	}
	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: released", "lockPath", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CarePipe server is already using this state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += "; holder: " + e.ExistingInfo
	}
	return msg + "; remove the lock file only if no such process is running"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarises the lock file for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file"
	}
	h, ok := parseHolder(string(data))
	if !ok {
		return "no process information"
	}
	state := "running"
	if !isProcessRunning(h.PID) {
		state = "not running, stale lock"
	}
	desc := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Addr != "" {
		desc += " serving " + h.Addr
	}
	if !h.Started.IsZero() {
		desc += " since " + h.Started.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
