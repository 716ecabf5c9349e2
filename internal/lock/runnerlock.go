// Package lock guards a queue root so only one runner daemon serves it.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// lockFileName is created inside the queue root.
const lockFileName = "runner.lock"

// RunnerLock is an exclusive flock(2) on the queue root's lock file. The
// lock lives as long as the file descriptor stays open.
type RunnerLock struct {
	path string
	f    *os.File
}

// Acquire takes the runner lock for queueRoot. If another runner holds it,
// the error names the holder's pid when the lock file is readable.
func Acquire(queueRoot string) (*RunnerLock, error) {
	if queueRoot == "" {
		return nil, fmt.Errorf("queue root is empty")
	}
	if err := os.MkdirAll(queueRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create queue root: %w", err)
	}

	path := filepath.Join(queueRoot, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if holder != "" {
			return nil, fmt.Errorf("queue %s is already served by pid %s", queueRoot, holder)
		}
		return nil, fmt.Errorf("acquire runner lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &RunnerLock{path: path, f: f}, nil
}

// Path returns the lock file location.
func (l *RunnerLock) Path() string { return l.path }

// Release drops the lock. Safe to call on a nil or already-released lock.
func (l *RunnerLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func readHolder(f *os.File) string {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
