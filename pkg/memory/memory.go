package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/diwise/record-broker/pkg/cache"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/diwise/record-broker/pkg/source"
)

// Source is a complete in-memory source: the kernel pipeline in front
// of a record cache. It is queryable, updatable and syncable.
type Source struct {
	*source.Core
	cache *cache.Cache
}

type settings struct {
	coreOptions  []source.CoreOption
	cacheOptions []cache.Option
}

type Option func(*settings)

func WithName(name string) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, source.WithName(name))
	}
}

func WithBucket(b bucket.Bucket) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, source.WithBucket(b))
	}
}

func WithKeyMap(km *keymap.KeyMap) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, source.WithKeyMap(km))
		s.cacheOptions = append(s.cacheOptions, cache.WithKeyMap(km))
	}
}

func WithAutoActivate(autoActivate bool) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, source.WithAutoActivate(autoActivate))
	}
}

func WithCacheOptions(options ...cache.Option) Option {
	return func(s *settings) {
		s.cacheOptions = append(s.cacheOptions, options...)
	}
}

func WithCoreOptions(options ...source.CoreOption) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, options...)
	}
}

func New(ctx context.Context, sc *schema.Schema, options ...Option) (*Source, error) {
	settings := &settings{}

	for _, option := range options {
		option(settings)
	}

	s := &Source{
		cache: cache.New(sc, settings.cacheOptions...),
	}

	coreOptions := append([]source.CoreOption{
		source.WithSchema(sc),
		// hydrated tasks re-run without a live caller; their results
		// are discarded but their effects must still land
		source.WithTaskPerformer("query", s.performQueryTask),
		source.WithTaskPerformer("update", s.performUpdateTask),
		source.WithTaskPerformer("sync", s.performSyncTask),
	}, settings.coreOptions...)

	core, err := source.NewCore(ctx, coreOptions...)
	if err != nil {
		return nil, err
	}
	s.Core = core

	// surface cache patches as source level events
	s.cache.OnPatch(func(op, inverse record.Operation) {
		s.Emit(ctx, source.Notification{Event: source.Patch, Result: op, Error: nil})
	})

	return s, nil
}

func (s *Source) Cache() *cache.Cache {
	return s.cache
}

// Query answers from the cache. A beforeQuery listener may pre-supply
// the full answer through the "data" hint.
func (s *Source) Query(ctx context.Context, input any, options ...record.Options) (any, error) {
	return s.PerformQuery(ctx, input, options, func(ctx context.Context, q query.Query, hints source.Hints) (any, error) {
		if data, ok := hints["data"]; ok {
			return data, nil
		}

		return s.cache.Evaluate(ctx, q)
	})
}

// Update applies a transform to the cache. The whole transform is
// applied atomically; its data aligns positionally with the
// operations for multi-operation batches.
func (s *Source) Update(ctx context.Context, input any, options ...record.Options) (any, error) {
	return s.PerformUpdate(ctx, input, options, func(ctx context.Context, t record.Transform, hints source.Hints) (source.UpdateResult, error) {
		result, err := s.cache.Patch(ctx, t.Operations)
		if err != nil {
			return source.UpdateResult{}, err
		}

		return source.UpdateResult{
			Data:       collapse(result.Data),
			Details:    result,
			Transforms: []record.Transform{t},
		}, nil
	})
}

// Sync applies transforms emitted by a peer source, deduplicating by
// transform log id.
func (s *Source) Sync(ctx context.Context, transforms ...record.Transform) error {
	return s.PerformSync(ctx, transforms, func(ctx context.Context, pending []record.Transform) error {
		for _, t := range pending {
			if _, err := s.cache.Patch(ctx, t.Operations); err != nil {
				return fmt.Errorf("failed to apply transform %s: %w", t.ID, err)
			}
		}

		return nil
	})
}

// Reset drops every cached record and notifies listeners.
func (s *Source) Reset(ctx context.Context) error {
	s.cache.Reset()
	return s.Emit(ctx, source.Notification{Event: source.Reset})
}

func (s *Source) performQueryTask(ctx context.Context, task source.Task) (any, error) {
	q := query.Query{}
	if err := json.Unmarshal(task.Data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode persisted query: %w", err)
	}

	return s.cache.Evaluate(ctx, q)
}

func (s *Source) performUpdateTask(ctx context.Context, task source.Task) (any, error) {
	t := record.Transform{}
	if err := json.Unmarshal(task.Data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode persisted transform: %w", err)
	}

	result, err := s.cache.Patch(ctx, t.Operations)
	if err != nil {
		return nil, err
	}

	if err := s.Transformed(ctx, []record.Transform{t}); err != nil {
		return nil, err
	}

	return source.UpdateResult{Data: collapse(result.Data), Transforms: []record.Transform{t}}, nil
}

func (s *Source) performSyncTask(ctx context.Context, task source.Task) (any, error) {
	transforms := []record.Transform{}
	if err := json.Unmarshal(task.Data, &transforms); err != nil {
		return nil, fmt.Errorf("failed to decode persisted sync batch: %w", err)
	}

	for _, t := range transforms {
		if s.TransformLog().Contains(t.ID) {
			continue
		}

		if _, err := s.cache.Patch(ctx, t.Operations); err != nil {
			return nil, err
		}
	}

	return nil, s.Transformed(ctx, transforms)
}

// Connect forwards every transform applied by from into to's sync
// pipeline. The returned function disconnects.
func Connect(from *source.Core, to source.Syncable) func() {
	return from.On(source.Transform, func(ctx context.Context, n source.Notification) error {
		return to.Sync(ctx, *n.Transform)
	})
}

func collapse(data []any) any {
	if len(data) == 1 {
		return data[0]
	}
	return data
}
