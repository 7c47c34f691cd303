package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/matryer/is"
)

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) perform(ctx context.Context, task Task) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, task.Type)
	return task.Type, nil
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.types...)
}

func task(taskType string) Task {
	return Task{Type: taskType, Data: json.RawMessage(`{}`)}
}

func TestQueueProcessesInFIFOOrder(t *testing.T) {
	is := is.New(t)
	rec := &recorder{}

	q := NewTaskQueue(context.Background(), "test-requests", rec.perform)

	for _, name := range []string{"a", "b", "c"} {
		data, err := q.Push(context.Background(), task(name))
		is.NoErr(err)
		is.Equal(data, name)
	}

	is.Equal(rec.recorded(), []string{"a", "b", "c"})
	is.Equal(q.Length(), 0)
}

func TestQueueParksOnFailure(t *testing.T) {
	is := is.New(t)

	attempts := 0
	q := NewTaskQueue(context.Background(), "test-requests", func(ctx context.Context, task Task) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("boom")
		}
		return task.Type, nil
	})

	_, err := q.Push(context.Background(), task("a"))
	is.True(err != nil)
	is.True(q.Error() != nil)
	is.Equal(q.Length(), 1) // the failed task stays at the head

	// a retry re-runs the head and resumes processing
	is.NoErr(q.Retry())

	waitFor(t, func() bool { return q.Length() == 0 })
	is.Equal(q.Error(), nil)
	is.Equal(attempts, 2)
}

func TestQueueSkipDiscardsHead(t *testing.T) {
	is := is.New(t)

	q := NewTaskQueue(context.Background(), "test-requests", func(ctx context.Context, task Task) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	_, err := q.Push(context.Background(), task("a"))
	is.True(err != nil)

	is.NoErr(q.Skip())
	is.Equal(q.Length(), 0)
	is.Equal(q.Error(), nil)
}

func TestQueueClearReleasesWaiters(t *testing.T) {
	is := is.New(t)

	q := NewTaskQueue(context.Background(), "test-requests", func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}, QueueWithoutActivation())

	errs := make(chan error, 1)
	go func() {
		_, err := q.Push(context.Background(), task("a"))
		errs <- err
	}()

	waitFor(t, func() bool { return q.Length() == 1 })
	is.NoErr(q.Clear())

	select {
	case err := <-errs:
		is.True(err != nil)
	case <-time.After(time.Second):
		t.Fatal("cleared queue did not release its waiter")
	}
}

func TestQueueEmptyErrors(t *testing.T) {
	is := is.New(t)

	q := NewTaskQueue(context.Background(), "test-requests", func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	})

	is.True(q.Skip() != nil)
	is.True(q.Retry() != nil)

	_, err := q.Shift()
	is.True(err != nil)
}

func TestQueuePersistsAndHydratesTasks(t *testing.T) {
	is := is.New(t)
	b := bucket.NewInMemory()

	q := NewTaskQueue(context.Background(), "test-requests", func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}, QueueWithBucket(b), QueueWithoutActivation())

	go q.Push(context.Background(), task("a"))

	// the push persists before the task completes
	waitFor(t, func() bool {
		data, _ := b.GetItem(context.Background(), "test-requests")
		return len(data) > 2
	})

	rec := &recorder{}
	restored := NewTaskQueue(context.Background(), "test-requests", rec.perform, QueueWithBucket(b))
	is.NoErr(restored.Reified(context.Background()))

	waitFor(t, func() bool { return len(rec.recorded()) == 1 })
	is.Equal(rec.recorded(), []string{"a"})
}

func TestPausedQueueRunsNothingUntilActivated(t *testing.T) {
	is := is.New(t)
	rec := &recorder{}

	q := NewTaskQueue(context.Background(), "test-requests", rec.perform, QueueWithoutActivation())

	results := make(chan any, 1)
	go func() {
		data, _ := q.Push(context.Background(), task("a"))
		results <- data
	}()

	waitFor(t, func() bool { return q.Length() == 1 })
	is.Equal(len(rec.recorded()), 0)

	q.Activate()

	select {
	case data := <-results:
		is.Equal(data, "a")
	case <-time.After(time.Second):
		t.Fatal("activated queue did not process its backlog")
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition was not met in time")
}
