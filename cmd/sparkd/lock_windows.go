//go:build windows

package main

import (
	"fmt"
	"os"
)

type processLock struct {
	f *os.File
}

// Windows has no flock; exclusive create of the lock file is the guard. A
// stale file after a crash needs manual removal, matching the queue's
// single-writer assumption there.
func acquireLock(path string) (*processLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s exists (another sparkd running?): %w", path, err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &processLock{f: f}, nil
}

func (l *processLock) Release() {
	name := l.f.Name()
	_ = l.f.Close()
	_ = os.Remove(name)
}
