package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another process holds the lock.
type LockHeldError struct {
	PID   int
	Owner string
	Path  string
}

func (e *LockHeldError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lock held by PID %d for %s (%s)", e.PID, e.Owner, e.Path)
	}
	return fmt.Sprintf("lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on the file at path, creating it and its
// directory as needed, and records the holder's PID and owner label in it.
// Returns LockHeldError if another process already holds it.
func Acquire(path, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		// Read the holder's record for diagnostics.
		data, _ := os.ReadFile(path)
		_ = f.Close()
		held := &LockHeldError{Path: path}
		held.PID, held.Owner = parse(string(data))
		return nil, held
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nowner=%s\ntime=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parse(content string) (pid int, owner string) {
	for line := range strings.SplitSeq(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ = strconv.Atoi(after)
		} else if after, ok := strings.CutPrefix(line, "owner="); ok {
			owner = after
		}
	}
	return pid, owner
}
