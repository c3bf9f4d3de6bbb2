package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinal is returned when a transition is attempted out of a
	// terminal status.
	ErrTaskFinal = errors.New("task already in terminal status")
)

// Status is the lifecycle state of an analysis task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are valid from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled || s == StatusError
}

// Params are the inputs of one analysis task. A non-empty Query selects the
// similarity-ranked mode; otherwise posts are fetched by timeframe and
// ordered by score.
type Params struct {
	Subreddit string   `json:"subreddit"`
	Timeframe string   `json:"timeframe,omitempty"`
	MinScore  int      `json:"min_score,omitempty"`
	Query     string   `json:"query,omitempty"`
	Threshold float32  `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Seen      []string `json:"seen,omitempty"`
}

// AnalyzedPost is one result row of a successful task.
type AnalyzedPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Body        string  `json:"body,omitempty"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Permalink   string  `json:"permalink,omitempty"`
	CreatedUTC  int64   `json:"created_utc"`
	Similarity  float32 `json:"similarity,omitempty"`
	Analysis    string  `json:"analysis"`
}

// Snapshot is a point-in-time view of a task. Result is non-nil only for
// StatusSuccess and must be treated as read-only.
type Snapshot struct {
	TaskID    string
	Status    Status
	Params    Params
	CreatedAt time.Time
	Result    []AnalyzedPost
	Err       string
}

type entry struct {
	id         string
	status     Status
	params     Params
	createdAt  time.Time
	finishedAt time.Time
	result     []AnalyzedPost
	errMsg     string
	token      *CancelToken
	watchers   []*watcher
}

// Each watcher channel receives at most one snapshot per transition plus the
// initial snapshot on subscribe; the task state machine has at most three
// transitions, so this buffer never fills and sends never block the registry.
const watcherBuffer = 8

type watcher struct {
	ch     chan Snapshot
	closed bool
}

// Registry is the single synchronization boundary around task state.
// All reads and writes of a task go through its mutex; readers never
// observe a partially written task, and no lock is held while a task's
// pipeline is doing external work.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]*entry
	retention time.Duration
	logger    *slog.Logger
}

// NewRegistry creates a Registry. Terminal tasks are evicted retention after
// finishing; if retention <= 0 it defaults to 30 minutes.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Registry{
		tasks:     make(map[string]*entry),
		retention: retention,
		logger:    slog.Default(),
	}
}

// Create allocates a pending task and returns its id and cancellation token.
func (r *Registry) Create(params Params) (string, *CancelToken) {
	id := uuid.New().String()
	token := NewCancelToken()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = &entry{
		id:        id,
		status:    StatusPending,
		params:    params,
		createdAt: time.Now().UTC(),
		token:     token,
	}
	return id, token
}

// Get returns the current snapshot of a task.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.snapshot(), nil
}

// Start marks a pending task running.
func (r *Registry) Start(id string) error {
	return r.transition(id, StatusRunning, nil, "")
}

// Succeed marks a running task successful with its result payload.
func (r *Registry) Succeed(id string, result []AnalyzedPost) error {
	return r.transition(id, StatusSuccess, result, "")
}

// Fail marks a running task errored with the failure detail.
func (r *Registry) Fail(id string, errMsg string) error {
	return r.transition(id, StatusError, nil, errMsg)
}

// transition enforces the state machine:
//
//	pending -> running -> {success, cancelled, error}
//	pending -> cancelled
//
// and is atomic with respect to concurrent readers and writers.
func (r *Registry) transition(id string, to Status, result []AnalyzedPost, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTaskFinal, t.status)
	}
	if !validTransition(t.status, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.status, to, id)
	}

	t.status = to
	t.result = result
	t.errMsg = errMsg
	if to.Terminal() {
		t.finishedAt = time.Now().UTC()
	}
	r.publish(t)
	return nil
}

// Cancel requests cancellation. Pending and running tasks transition to
// cancelled and their token is signaled; tasks already terminal are left
// untouched. The returned status is the task's status after the call, so
// repeated cancels are idempotent.
func (r *Registry) Cancel(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	if t.status.Terminal() {
		return t.status, nil
	}

	t.status = StatusCancelled
	t.result = nil
	t.finishedAt = time.Now().UTC()
	t.token.Signal()
	r.publish(t)
	return StatusCancelled, nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

func (t *entry) snapshot() Snapshot {
	return Snapshot{
		TaskID:    t.id,
		Status:    t.status,
		Params:    t.params,
		CreatedAt: t.createdAt,
		Result:    t.result,
		Err:       t.errMsg,
	}
}

// publish delivers the current snapshot to all watchers. Callers hold r.mu,
// so watchers observe transitions in the order they happened. After a
// terminal snapshot every watcher channel is closed.
func (r *Registry) publish(t *entry) {
	snap := t.snapshot()
	for _, w := range t.watchers {
		if w.closed {
			continue
		}
		select {
		case w.ch <- snap:
		default:
			// Unreachable given watcherBuffer; dropping is still safer
			// than blocking under the registry lock.
			r.logger.Warn("dropping task snapshot, watcher buffer full", "task_id", t.id)
		}
		if snap.Status.Terminal() {
			close(w.ch)
			w.closed = true
		}
	}
	if snap.Status.Terminal() {
		t.watchers = nil
	}
}

// RunJanitor evicts terminal tasks older than the retention window until ctx
// is cancelled. Run it in its own goroutine.
func (r *Registry) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictExpired(time.Now().UTC())
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.status.Terminal() && now.Sub(t.finishedAt) > r.retention {
			delete(r.tasks, id)
			r.logger.Debug("evicted finished task", "task_id", id, "status", string(t.status))
		}
	}
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
