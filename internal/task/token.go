package task

import "sync"

// CancelToken carries a cooperative stop signal to exactly one task run.
// The pipeline consults it at checkpoints between per-post analysis calls;
// nothing interrupts a call already in flight.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unsignaled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Signal requests cancellation. Safe to call from any goroutine, any number
// of times.
func (t *CancelToken) Signal() {
	t.once.Do(func() { close(t.done) })
}

// Signaled reports whether cancellation has been requested. Non-blocking.
func (t *CancelToken) Signaled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when cancellation is requested.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
