package pushpull

import (
	"context"
	"fmt"
	"sync"
)

// Handle is an opaque token for an in-flight or completed operation.
type Handle int64

// HandleManager tracks the completion state of submitted operations. It
// is safe for concurrent use: handles are allocated on caller goroutines
// and completed from the engine's execution context.
type HandleManager struct {
	mu      sync.Mutex
	next    Handle
	records map[Handle]*record
}

type record struct {
	done chan struct{}
	err  error
}

func NewHandleManager() *HandleManager {
	return &HandleManager{records: make(map[Handle]*record)}
}

// AllocateHandle returns a fresh handle and records it as pending.
func (m *HandleManager) AllocateHandle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := m.next
	m.records[h] = &record{done: make(chan struct{})}
	return h
}

// MarkDone stores the operation's final status and flips the handle to
// completed. It must be called exactly once per handle, from any
// goroutine.
func (m *HandleManager) MarkDone(h Handle, opErr error) {
	m.mu.Lock()
	rec, ok := m.records[h]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("pushpull: MarkDone on unknown handle %d", h))
	}
	rec.err = opErr
	close(rec.done)
}

// PollHandle reports whether completion has been recorded for h. It never
// blocks.
func (m *HandleManager) PollHandle(h Handle) bool {
	m.mu.Lock()
	rec, ok := m.records[h]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-rec.done:
		return true
	default:
		return false
	}
}

// ReleaseHandle returns the status stored by MarkDone and forgets the
// handle. Releasing a handle that is unknown or not yet complete is a
// caller bug and panics.
func (m *HandleManager) ReleaseHandle(h Handle) error {
	m.mu.Lock()
	rec, ok := m.records[h]
	if !ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("pushpull: release of unknown handle %d", h))
	}
	select {
	case <-rec.done:
	default:
		m.mu.Unlock()
		panic(fmt.Sprintf("pushpull: release of incomplete handle %d", h))
	}
	delete(m.records, h)
	m.mu.Unlock()
	return rec.err
}

// WaitAndRelease blocks until h completes, releases it, and returns its
// status. A context deadline or cancellation abandons the wait and leaves
// the handle live; the operation itself cannot be cancelled.
func (m *HandleManager) WaitAndRelease(ctx context.Context, h Handle) error {
	m.mu.Lock()
	rec, ok := m.records[h]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("pushpull: wait on unknown handle %d", h))
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.ReleaseHandle(h)
}

// discard forgets a pending handle whose submission failed before the
// engine accepted it.
func (m *HandleManager) discard(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, h)
}
