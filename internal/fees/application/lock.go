package application

import (
	"context"
	"sync"
)

// Lock admits one ingestion run at a time. TryLock never blocks; ok is false when another holder exists.
type Lock interface {
	TryLock(_ context.Context) (release func(), ok bool, err error)
}

// MutexLock is a process-local Lock.
type MutexLock struct {
	mu sync.Mutex
}

// NewMutexLock constructs a MutexLock.
func NewMutexLock() *MutexLock {
	return &MutexLock{}
}

// TryLock acquires the mutex without waiting.
func (l *MutexLock) TryLock(_ context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, true, nil
}
