package task

import (
	"context"
	"time"
)

// Subscribe registers a watcher on a task. The returned channel immediately
// receives the current snapshot, then one snapshot per transition, and is
// closed after a terminal snapshot. A subscriber attaching after the task
// finished receives the terminal snapshot and an immediately closed channel.
// The returned cancel func detaches the watcher; calling it more than once
// is safe.
func (r *Registry) Subscribe(id string) (<-chan Snapshot, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, nil, ErrTaskNotFound
	}

	w := &watcher{ch: make(chan Snapshot, watcherBuffer)}
	snap := t.snapshot()
	w.ch <- snap
	if snap.Status.Terminal() {
		close(w.ch)
		w.closed = true
	} else {
		t.watchers = append(t.watchers, w)
	}

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w.closed {
			return
		}
		for i, other := range t.watchers {
			if other == w {
				t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
		w.closed = true
	}
	return w.ch, cancel, nil
}

// Watch streams snapshots for a task until it reaches a terminal status:
// one snapshot per transition, plus a heartbeat snapshot every heartbeat
// interval while the task is running. The stream preserves the transition
// order; a heartbeat may repeat the latest status but never an earlier one.
// The channel closes after the terminal snapshot, or when ctx is done.
func (r *Registry) Watch(ctx context.Context, id string, heartbeat time.Duration) (<-chan Snapshot, error) {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	sub, cancel, err := r.Subscribe(id)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer cancel()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		var last Snapshot
		var have bool
		for {
			select {
			case <-ctx.Done():
				return

			case snap, ok := <-sub:
				if !ok {
					return
				}
				last, have = snap, true
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				if snap.Status.Terminal() {
					return
				}

			case <-ticker.C:
				if !have || last.Status != StatusRunning {
					continue
				}
				select {
				case out <- last:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
