package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock serializes update cycles across processes with an exclusive, non blocking file lock.
type Lock struct {
	f *flock.Flock
}

func NewLock(path string) *Lock {
	return &Lock{f: flock.New(path)}
}

// TryLock takes the lock. It returns false without error when another holder has it.
func (l *Lock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.f.Path()), 0o755); err != nil {
		return false, err
	}
	ok, err := l.f.TryLock()
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", l.f.Path(), err)
	}
	return ok, nil
}

func (l *Lock) Unlock() error {
	if !l.f.Locked() {
		return nil
	}
	if err := l.f.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.f.Path(), err)
	}
	return nil
}
