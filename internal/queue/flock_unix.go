//go:build !windows

package queue

import (
	"os"
	"syscall"
)

// flock takes an exclusive advisory lock on the file. Only appenders take
// it; readers stay lock-free.
func flock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

func funlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
