package websession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudquay/cloudquay/pkg/audit"
)

// TaskFunc is the unit of work executed by an async task. The context is
// cancelled on AsyncTaskCancel; cancellation is cooperative.
type TaskFunc func(ctx context.Context) (result any, extended map[string]any, err error)

// TaskStatus is the lifecycle state of an async task.
type TaskStatus string

const (
	// TaskStatusRunning means the unit of work has not reached a
	// terminal state yet.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusFinished means the unit of work completed successfully.
	TaskStatusFinished TaskStatus = "finished"

	// TaskStatusError means the unit of work failed.
	TaskStatusError TaskStatus = "error"

	// TaskStatusCanceled means cancellation won the race.
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskInfo is a point-in-time snapshot of an async task record.
type TaskInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Running  bool           `json:"running"`
	Status   TaskStatus     `json:"status"`
	Result   any            `json:"result,omitempty"`
	Extended map[string]any `json:"extended,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// task is a tracked unit of background work.
type task struct {
	id   string
	name string

	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	status   TaskStatus
	result   any
	extended map[string]any
	err      error
	finished bool
}

func (t *task) snapshot() *TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := &TaskInfo{
		ID:       t.id,
		Name:     t.name,
		Running:  t.running,
		Status:   t.status,
		Result:   t.result,
		Extended: t.extended,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// finish transitions the task to a terminal state exactly once.
func (t *task) finish(status TaskStatus, result any, extended map[string]any, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	t.running = false
	t.status = status
	t.result = result
	t.extended = extended
	t.err = err
	return true
}

// taskTable is the per-session registry of async tasks.
type taskTable struct {
	mu    sync.Mutex
	tasks map[string]*task
}

func (tt *taskTable) put(t *task) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.tasks == nil {
		tt.tasks = make(map[string]*task)
	}
	tt.tasks[t.id] = t
}

func (tt *taskTable) get(id string) *task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.tasks[id]
}

// CreateAndRunAsyncTask allocates a globally-unique task id, registers the
// task in running state and schedules the unit of work on a background
// goroutine. If the per-session concurrent-task quota is exceeded, the
// task is recorded as immediately failed and the unit of work never runs.
func (s *Session) CreateAndRunAsyncTask(name string, fn TaskFunc) *TaskInfo {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:      s.app.nextTaskID(),
		name:    name,
		cancel:  cancel,
		running: true,
		status:  TaskStatusRunning,
	}
	s.tasks.put(t)

	go s.runTask(ctx, t, fn)
	return t.snapshot()
}

func (s *Session) runTask(ctx context.Context, t *task, fn TaskFunc) {
	started := time.Now()
	current := s.taskCount.Add(1)
	defer s.taskCount.Add(-1)
	defer t.cancel()

	quota := s.app.cfg.Tasks.MaxConcurrent
	if quota > 0 && int(current) > quota {
		err := fmt.Errorf("%w: limit %d", ErrQuotaExceeded, quota)
		s.finishTask(ctx, t, TaskStatusError, nil, nil, err, started)
		return
	}

	result, extended, err := fn(ctx)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		s.finishTask(ctx, t, TaskStatusCanceled, nil, nil, err, started)
	case err != nil:
		s.finishTask(ctx, t, TaskStatusError, nil, nil, err, started)
	default:
		s.finishTask(ctx, t, TaskStatusFinished, result, extended, nil, started)
	}
}

// finishTask records the terminal state and emits the task-completion
// event so long-poll/streaming clients observe it.
func (s *Session) finishTask(ctx context.Context, t *task, status TaskStatus, result any, extended map[string]any, err error, started time.Time) {
	if !t.finish(status, result, extended, err) {
		return
	}
	if err != nil {
		s.AddSessionError(err)
	}

	s.publishEvent(EventTaskFinished, map[string]any{
		"task_id": t.id,
		"status":  string(status),
	})

	event := audit.NewEvent(audit.EventTypeTask, s.ID()).
		WithUser(s.UserID()).
		WithTask(t.id, t.name).
		WithDuration(time.Since(started)).
		WithError(err)
	if logErr := s.app.auditor.Log(context.WithoutCancel(ctx), *event); logErr != nil {
		s.app.logger.Error("error writing task audit event",
			"session_id", s.ID(), "task_id", t.id, "error", logErr)
	}
}

// AsyncTaskStatus returns a snapshot of a task record. When removeOnFinish
// is set and the task is terminal, the record is evicted as part of the
// same call: the task is no longer queryable afterwards.
func (s *Session) AsyncTaskStatus(id string, removeOnFinish bool) (*TaskInfo, error) {
	s.tasks.mu.Lock()
	defer s.tasks.mu.Unlock()

	t := s.tasks.tasks[id]
	if t == nil {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	info := t.snapshot()
	if removeOnFinish && !info.Running {
		delete(s.tasks.tasks, id)
	}
	return info, nil
}

// AsyncTaskCancel requests cooperative cancellation of a task's unit of
// work. The task may still complete with a result if cancellation loses
// the race.
func (s *Session) AsyncTaskCancel(id string) error {
	t := s.tasks.get(id)
	if t == nil {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	t.cancel()
	return nil
}
