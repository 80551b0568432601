//go:build !windows

package main

import (
	"fmt"
	"os"
	"syscall"
)

// processLock is the flock-backed single-instance guard on the state dir.
type processLock struct {
	f *os.File
}

// acquireLock takes a non-blocking exclusive lock on the lock file and
// records the holder's pid. A held lock means another sparkd owns this
// state directory.
func acquireLock(path string) (*processLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is locked (another sparkd running?): %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &processLock{f: f}, nil
}

// Release drops the lock and removes the file.
func (l *processLock) Release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	name := l.f.Name()
	_ = l.f.Close()
	_ = os.Remove(name)
}
