package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Task is one unit of queued work. Data holds the serialized request so
// that pending tasks survive a restart through the bucket.
type Task struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Performer executes one task and produces its result.
type Performer func(ctx context.Context, task Task) (any, error)

type taskResult struct {
	data any
	err  error
}

type pendingTask struct {
	task Task

	// override, when set, replaces the queue's performer for this task.
	// It is never persisted: hydrated tasks always run through the
	// default performer.
	override Performer

	ctx       context.Context
	result    chan taskResult
	delivered bool
}

// TaskQueue is a named persistent FIFO. At most one task executes at a
// time; completion order equals enqueue order. A failing task parks the
// queue head until Skip, Retry or Clear resolves the failure.
type TaskQueue struct {
	name        string
	bucket      bucket.Bucket
	perform     Performer
	autoProcess bool
	onFail      func(task Task, err error)

	mu      sync.Mutex
	pending []*pendingTask
	parked  error
	active  bool
	busy    bool

	reified chan struct{}
	wake    chan struct{}
}

type QueueOption func(*TaskQueue)

func QueueWithBucket(b bucket.Bucket) QueueOption {
	return func(q *TaskQueue) {
		q.bucket = b
	}
}

func QueueWithAutoProcess(autoProcess bool) QueueOption {
	return func(q *TaskQueue) {
		q.autoProcess = autoProcess
	}
}

func QueueWithoutActivation() QueueOption {
	return func(q *TaskQueue) {
		q.active = false
	}
}

// QueueWithFailureHandler registers a callback invoked when a task
// fails and parks the queue.
func QueueWithFailureHandler(onFail func(task Task, err error)) QueueOption {
	return func(q *TaskQueue) {
		q.onFail = onFail
	}
}

func NewTaskQueue(ctx context.Context, name string, perform Performer, options ...QueueOption) *TaskQueue {
	q := &TaskQueue{
		name:        name,
		perform:     perform,
		autoProcess: true,
		active:      true,
		reified:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}

	for _, option := range options {
		option(q)
	}

	go q.hydrate(ctx)
	go q.run()

	return q
}

func (q *TaskQueue) Name() string {
	return q.name
}

// Reified blocks until hydration from the bucket has finished.
func (q *TaskQueue) Reified(ctx context.Context) error {
	select {
	case <-q.reified:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Length reports the number of tasks not yet completed.
func (q *TaskQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Error returns the failure currently parking the queue, if any.
func (q *TaskQueue) Error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.parked
}

// Push enqueues a task, persists the queue and blocks until the task
// has been performed (or ctx is done). The optional override performer
// runs in place of the queue's default for this task only.
func (q *TaskQueue) Push(ctx context.Context, task Task, override ...Performer) (any, error) {
	pt := &pendingTask{
		task:   task,
		ctx:    ctx,
		result: make(chan taskResult, 1),
	}
	if len(override) > 0 {
		pt.override = override[0]
	}

	q.mu.Lock()
	q.pending = append(q.pending, pt)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.signal()

	select {
	case r := <-pt.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Skip discards the head task and resumes processing. If the head's
// caller is still waiting, it receives the optional error, or a queue
// empty error when none is given.
func (q *TaskQueue) Skip(err ...error) error {
	q.mu.Lock()

	if len(q.pending) == 0 {
		q.mu.Unlock()
		return errors.NewQueueEmptyError(q.name)
	}

	head := q.pending[0]
	q.pending = q.pending[1:]
	q.parked = nil
	q.persistLocked(context.Background())

	if !head.delivered {
		head.delivered = true
		reason := errors.NewQueueEmptyError(q.name)
		if len(err) > 0 && err[0] != nil {
			reason = err[0]
		}
		head.result <- taskResult{err: reason}
	}

	q.mu.Unlock()
	q.signal()

	return nil
}

// Shift removes the head task silently and returns it without running
// it.
func (q *TaskQueue) Shift() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Task{}, errors.NewQueueEmptyError(q.name)
	}

	head := q.pending[0]
	q.pending = q.pending[1:]
	q.parked = nil
	q.persistLocked(context.Background())

	return head.task, nil
}

// Retry clears the parked failure so the head task runs again.
func (q *TaskQueue) Retry() error {
	q.mu.Lock()

	if len(q.pending) == 0 {
		q.mu.Unlock()
		return errors.NewQueueEmptyError(q.name)
	}

	q.parked = nil
	q.mu.Unlock()
	q.signal()

	return nil
}

// Clear drops every pending task. Blocked callers are released with a
// queue empty error.
func (q *TaskQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pt := range q.pending {
		if !pt.delivered {
			pt.delivered = true
			pt.result <- taskResult{err: errors.NewQueueEmptyError(q.name)}
		}
	}

	q.pending = nil
	q.parked = nil
	q.persistLocked(context.Background())

	return nil
}

// Activate resumes processing of a paused queue.
func (q *TaskQueue) Activate() {
	q.mu.Lock()
	q.active = true
	q.mu.Unlock()
	q.signal()
}

// Pause stops the queue from picking up further tasks. A currently
// processing task runs to completion.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	q.active = false
	q.mu.Unlock()
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) hydrate(ctx context.Context) {
	defer close(q.reified)

	if q.bucket == nil {
		return
	}

	data, err := q.bucket.GetItem(ctx, q.name)
	if err != nil {
		logging.GetFromContext(ctx).Error("failed to hydrate task queue", "queue", q.name, "err", err.Error())
		return
	}

	if len(data) == 0 {
		return
	}

	tasks := []Task{}
	if err := json.Unmarshal(data, &tasks); err != nil {
		logging.GetFromContext(ctx).Error("failed to decode persisted tasks", "queue", q.name, "err", err.Error())
		return
	}

	q.mu.Lock()
	hydrated := make([]*pendingTask, 0, len(tasks))
	for _, t := range tasks {
		hydrated = append(hydrated, &pendingTask{
			task:      t,
			ctx:       context.Background(),
			result:    make(chan taskResult, 1),
			delivered: true,
		})
	}
	q.pending = append(hydrated, q.pending...)
	q.mu.Unlock()

	q.signal()
}

func (q *TaskQueue) run() {
	<-q.reified

	for range q.wake {
		q.drain(false)
	}
}

// Process drains the backlog once, regardless of the auto process
// setting. Queues with autoProcess disabled are driven through this.
func (q *TaskQueue) Process() {
	q.drain(true)
}

func (q *TaskQueue) drain(force bool) {
	for {
		q.mu.Lock()
		if !q.active || (!q.autoProcess && !force) || q.parked != nil || len(q.pending) == 0 || q.busy {
			q.mu.Unlock()
			return
		}

		head := q.pending[0]
		q.busy = true
		q.mu.Unlock()

		perform := q.perform
		if head.override != nil {
			perform = head.override
		}

		data, err := perform(head.ctx, head.task)

		q.mu.Lock()
		q.busy = false

		// the head may have been skipped or cleared while running
		stillHead := len(q.pending) > 0 && q.pending[0] == head

		if err != nil {
			if stillHead {
				q.parked = err
			}
			if !head.delivered {
				head.delivered = true
				head.result <- taskResult{err: err}
			}
			onFail := q.onFail
			q.mu.Unlock()

			if onFail != nil {
				onFail(head.task, err)
			}
			return
		}

		if stillHead {
			q.pending = q.pending[1:]
			q.persistLocked(head.ctx)
		}
		if !head.delivered {
			head.delivered = true
			head.result <- taskResult{data: data}
		}
		q.mu.Unlock()
	}
}

// persistLocked serializes the pending tasks under the queue's name.
// Callers hold q.mu.
func (q *TaskQueue) persistLocked(ctx context.Context) {
	if q.bucket == nil {
		return
	}

	tasks := make([]Task, 0, len(q.pending))
	for _, pt := range q.pending {
		tasks = append(tasks, pt.task)
	}

	data, err := json.Marshal(tasks)
	if err != nil {
		data = []byte("[]")
	}

	if err := q.bucket.SetItem(ctx, q.name, data); err != nil {
		logging.GetFromContext(ctx).Error("failed to persist task queue",
			"queue", q.name, "err", fmt.Errorf("bucket write: %w", err).Error())
	}
}
