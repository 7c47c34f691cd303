package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diwise/record-broker/pkg/bucket"
)

var ErrTransformNotLogged = fmt.Errorf("transform not logged")

// TransformLog is the append only, totally ordered record of applied
// transform ids. It is the authority for "have we already applied
// this?" during replication.
type TransformLog struct {
	name   string
	bucket bucket.Bucket

	mu    sync.RWMutex
	ids   []string
	index map[string]int

	onRollback func(transformID string, removed []string)
}

type LogOption func(*TransformLog)

func LogWithBucket(b bucket.Bucket) LogOption {
	return func(l *TransformLog) {
		l.bucket = b
	}
}

// LogWithRollbackHandler registers a callback invoked after Rollback
// with the ids that were removed.
func LogWithRollbackHandler(onRollback func(transformID string, removed []string)) LogOption {
	return func(l *TransformLog) {
		l.onRollback = onRollback
	}
}

func NewTransformLog(ctx context.Context, name string, options ...LogOption) (*TransformLog, error) {
	l := &TransformLog{
		name:  name,
		index: map[string]int{},
	}

	for _, option := range options {
		option(l)
	}

	if l.bucket != nil {
		data, err := l.bucket.GetItem(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate transform log %s: %w", name, err)
		}

		if len(data) > 0 {
			if err := json.Unmarshal(data, &l.ids); err != nil {
				return nil, fmt.Errorf("failed to decode transform log %s: %w", name, err)
			}
			for i, id := range l.ids {
				l.index[id] = i
			}
		}
	}

	return l, nil
}

func (l *TransformLog) Name() string {
	return l.name
}

func (l *TransformLog) Append(ctx context.Context, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if _, exists := l.index[id]; exists {
			continue
		}
		l.index[id] = len(l.ids)
		l.ids = append(l.ids, id)
	}

	return l.persistLocked(ctx)
}

func (l *TransformLog) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.index[id]
	return ok
}

// Head returns the most recently appended id, or the empty string for
// an empty log.
func (l *TransformLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.ids) == 0 {
		return ""
	}
	return l.ids[len(l.ids)-1]
}

func (l *TransformLog) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

func (l *TransformLog) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string{}, l.ids...)
}

// Before returns the ids logged before the given id.
func (l *TransformLog) Before(id string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTransformNotLogged)
	}

	return append([]string{}, l.ids[:pos]...), nil
}

// After returns the ids logged after the given id.
func (l *TransformLog) After(id string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTransformNotLogged)
	}

	return append([]string{}, l.ids[pos+1:]...), nil
}

// Truncate removes the given id and everything logged before it.
func (l *TransformLog) Truncate(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTransformNotLogged)
	}

	l.ids = append([]string{}, l.ids[pos+1:]...)
	l.reindexLocked()

	return l.persistLocked(ctx)
}

// Rollback removes everything logged after the given id and notifies
// the rollback handler with the removed ids.
func (l *TransformLog) Rollback(ctx context.Context, id string) error {
	l.mu.Lock()

	pos, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTransformNotLogged)
	}

	removed := append([]string{}, l.ids[pos+1:]...)
	l.ids = append([]string{}, l.ids[:pos+1]...)
	l.reindexLocked()

	err := l.persistLocked(ctx)
	onRollback := l.onRollback
	l.mu.Unlock()

	if onRollback != nil {
		onRollback(id, removed)
	}

	return err
}

func (l *TransformLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids = nil
	l.index = map[string]int{}

	return l.persistLocked(ctx)
}

func (l *TransformLog) reindexLocked() {
	l.index = make(map[string]int, len(l.ids))
	for i, id := range l.ids {
		l.index[id] = i
	}
}

func (l *TransformLog) persistLocked(ctx context.Context) error {
	if l.bucket == nil {
		return nil
	}

	data, err := json.Marshal(l.ids)
	if err != nil {
		return err
	}

	return l.bucket.SetItem(ctx, l.name, data)
}
