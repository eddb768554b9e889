package index

import "sync/atomic"

// BuildLock is a non-blocking lock guarding one collection's index build.
// A second builder fails fast instead of queueing behind the first.
type BuildLock struct {
	state atomic.Int32 // 0 = idle, 1 = building
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *BuildLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release frees the lock. Only the holder may call it.
func (l *BuildLock) Release() {
	l.state.Store(0)
}

// Held reports whether a build is running.
func (l *BuildLock) Held() bool {
	return l.state.Load() == 1
}
