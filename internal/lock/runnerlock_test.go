package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	l, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if l.Path() != filepath.Join(root, lockFileName) {
		t.Fatalf("unexpected lock path: %s", l.Path())
	}
	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if strings.TrimSpace(string(data)) != fmt.Sprint(os.Getpid()) {
		t.Fatalf("lock file pid = %q, want %d", strings.TrimSpace(string(data)), os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Idempotent.
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first, err := Acquire(root)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(root)
	if err == nil {
		t.Fatal("second Acquire should fail while the first holds the lock")
	}
	if !strings.Contains(err.Error(), "already served by pid") {
		t.Fatalf("error should name the holder: %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestAcquireCreatesQueueRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "queue")
	l, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, err := os.Stat(root); err != nil {
		t.Fatalf("queue root not created: %v", err)
	}
}

func TestAcquireEmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatal("empty queue root must be rejected")
	}
}

func TestReleaseNil(t *testing.T) {
	t.Parallel()

	var l *RunnerLock
	if err := l.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}
