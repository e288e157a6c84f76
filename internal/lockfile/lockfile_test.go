package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h, ok := parseHolder(string(data))
	if !ok {
		t.Fatalf("lock file has no pid: %q", data)
	}
	if h.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", h.PID, os.Getpid())
	}
	if h.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", h.Addr)
	}
	if h.Started.IsZero() {
		t.Error("started not recorded")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir, ":9090")
	if err == nil {
		lock2.Release()
		t.Fatal("second AcquireLock succeeded")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	msg := err.Error()
	for _, want := range []string{"already using this state directory", "(running)", "serving :8080"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release")
	}

	again, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
		ok      bool
	}{
		{"full", Holder{PID: 42, Addr: ":8080", Started: started}.encode(), Holder{PID: 42, Addr: ":8080", Started: started}, true},
		{"pid only", "pid=7\n", Holder{PID: 7}, true},
		{"empty", "", Holder{}, false},
		{"garbage", "hello world", Holder{}, false},
		{"bad pid", "pid=abc\naddr=:1\n", Holder{Addr: ":1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseHolder(tt.content)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got.PID != tt.want.PID || got.Addr != tt.want.Addr || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseHolder() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDescribeStaleHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	// PIDs above the kernel's pid_max are never live.
	if err := os.WriteFile(path, []byte("pid=99999999\naddr=:7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	desc := describeHolder(path)
	if !strings.Contains(desc, "stale lock") || !strings.Contains(desc, ":7000") {
		t.Errorf("describeHolder() = %q", desc)
	}
}
