package hypervisor

import (
	"context"
	"sync"
	"time"
)

// runHandle is the Handle shared by the built-in drivers. Concrete drivers
// embed it next to their engine state.
type runHandle struct {
	id     string
	done   chan error
	exited chan struct{}
	once   sync.Once
}

func newRunHandle(id string) *runHandle {
	return &runHandle{
		id:     id,
		done:   make(chan error, 1),
		exited: make(chan struct{}),
	}
}

func (h *runHandle) ID() string { return h.id }

func (h *runHandle) Done() <-chan error { return h.done }

// finish records the exit result. Only the first call has an effect.
func (h *runHandle) finish(err error) {
	h.once.Do(func() {
		h.done <- err
		close(h.done)
		close(h.exited)
	})
}

func (h *runHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// waitExit waits up to grace for the guest to exit.
func (h *runHandle) waitExit(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
