package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/google/uuid"
)

// FullResponse is handed back instead of plain data when a request
// opts in with Options.FullResponse.
type FullResponse struct {
	Data       any
	Details    any
	Transforms []record.Transform
}

// QueryHandler is the concrete _query of a source.
type QueryHandler func(ctx context.Context, q query.Query, hints Hints) (any, error)

// UpdateResult carries what a concrete _update produced: the caller
// facing data plus the transforms that were applied.
type UpdateResult struct {
	Data       any
	Details    any
	Transforms []record.Transform
}

type UpdateHandler func(ctx context.Context, t record.Transform, hints Hints) (UpdateResult, error)

type SyncHandler func(ctx context.Context, transforms []record.Transform) error

type PullHandler func(ctx context.Context, q query.Query, hints Hints) ([]record.Transform, error)

type PushHandler func(ctx context.Context, t record.Transform, hints Hints) ([]record.Transform, error)

// Core is the lifecycle coordinator every concrete source embeds. It
// owns the event emitter, the request and sync task queues and the
// transform log, and provides the uniform Before -> Perform -> After
// pipeline helpers.
type Core struct {
	Emitter

	name   string
	schema *schema.Schema
	keyMap *keymap.KeyMap
	bucket bucket.Bucket

	transformLog *TransformLog
	requestQueue *TaskQueue
	syncQueue    *TaskQueue

	autoActivate bool
	autoUpgrade  bool
	activated    bool

	offUpgrade func()
}

type CoreOption func(*coreSettings)

type coreSettings struct {
	name             string
	schema           *schema.Schema
	keyMap           *keymap.KeyMap
	bucket           bucket.Bucket
	autoActivate     bool
	autoUpgrade      bool
	requestQueueOpts []QueueOption
	syncQueueOpts    []QueueOption
	logOpts          []LogOption
	dispatch         map[string]Performer
}

func WithName(name string) CoreOption {
	return func(s *coreSettings) {
		s.name = name
	}
}

func WithSchema(sc *schema.Schema) CoreOption {
	return func(s *coreSettings) {
		s.schema = sc
	}
}

func WithKeyMap(km *keymap.KeyMap) CoreOption {
	return func(s *coreSettings) {
		s.keyMap = km
	}
}

func WithBucket(b bucket.Bucket) CoreOption {
	return func(s *coreSettings) {
		s.bucket = b
	}
}

func WithAutoActivate(autoActivate bool) CoreOption {
	return func(s *coreSettings) {
		s.autoActivate = autoActivate
	}
}

func WithAutoUpgrade(autoUpgrade bool) CoreOption {
	return func(s *coreSettings) {
		s.autoUpgrade = autoUpgrade
	}
}

func WithRequestQueueSettings(options ...QueueOption) CoreOption {
	return func(s *coreSettings) {
		s.requestQueueOpts = append(s.requestQueueOpts, options...)
	}
}

func WithSyncQueueSettings(options ...QueueOption) CoreOption {
	return func(s *coreSettings) {
		s.syncQueueOpts = append(s.syncQueueOpts, options...)
	}
}

func WithLogSettings(options ...LogOption) CoreOption {
	return func(s *coreSettings) {
		s.logOpts = append(s.logOpts, options...)
	}
}

// WithTaskPerformer registers the performer used when a persisted task
// of the given type is re-run after hydration.
func WithTaskPerformer(taskType string, perform Performer) CoreOption {
	return func(s *coreSettings) {
		s.dispatch[taskType] = perform
	}
}

func NewCore(ctx context.Context, options ...CoreOption) (*Core, error) {
	settings := &coreSettings{
		autoActivate: true,
		autoUpgrade:  true,
		dispatch:     map[string]Performer{},
	}

	for _, option := range options {
		option(settings)
	}

	if settings.name == "" {
		settings.name = "source-" + uuid.NewString()[0:8]
	}

	c := &Core{
		name:         settings.name,
		schema:       settings.schema,
		keyMap:       settings.keyMap,
		bucket:       settings.bucket,
		autoActivate: settings.autoActivate,
		autoUpgrade:  settings.autoUpgrade,
	}

	dispatch := settings.dispatch
	performByType := func(ctx context.Context, task Task) (any, error) {
		perform, ok := dispatch[task.Type]
		if !ok {
			return nil, fmt.Errorf("no performer registered for task type %s", task.Type)
		}
		return perform(ctx, task)
	}

	// the default rollback handler surfaces log rollbacks as source
	// events; an explicitly configured handler takes precedence
	logOpts := append([]LogOption{
		LogWithRollbackHandler(func(transformID string, removed []string) {
			c.Emit(context.Background(), Notification{Event: Rollback, Result: removed})
		}),
	}, settings.logOpts...)
	requestOpts := settings.requestQueueOpts
	syncOpts := settings.syncQueueOpts

	if settings.bucket != nil {
		logOpts = append([]LogOption{LogWithBucket(settings.bucket)}, logOpts...)
		requestOpts = append([]QueueOption{QueueWithBucket(settings.bucket)}, requestOpts...)
		syncOpts = append([]QueueOption{QueueWithBucket(settings.bucket)}, syncOpts...)
	}

	if !settings.autoActivate {
		requestOpts = append(requestOpts, QueueWithoutActivation())
		syncOpts = append(syncOpts, QueueWithoutActivation())
	}

	var err error
	c.transformLog, err = NewTransformLog(ctx, settings.name+"-log", logOpts...)
	if err != nil {
		return nil, err
	}

	c.requestQueue = NewTaskQueue(ctx, settings.name+"-requests", performByType, requestOpts...)
	c.syncQueue = NewTaskQueue(ctx, settings.name+"-sync", performByType, syncOpts...)

	if settings.autoActivate {
		c.activated = true
	}

	if c.schema != nil && c.autoUpgrade {
		c.offUpgrade = c.schema.OnUpgrade(func() {
			c.Emit(context.Background(), Notification{Event: Upgrade})
		})
	}

	return c, nil
}

func (c *Core) Name() string {
	return c.name
}

func (c *Core) Schema() *schema.Schema {
	return c.schema
}

func (c *Core) KeyMap() *keymap.KeyMap {
	return c.keyMap
}

func (c *Core) Bucket() bucket.Bucket {
	return c.bucket
}

func (c *Core) TransformLog() *TransformLog {
	return c.transformLog
}

func (c *Core) RequestQueue() *TaskQueue {
	return c.requestQueue
}

func (c *Core) SyncQueue() *TaskQueue {
	return c.syncQueue
}

// Activate waits for both queues to finish hydrating and resumes their
// processing.
func (c *Core) Activate(ctx context.Context) error {
	if err := c.requestQueue.Reified(ctx); err != nil {
		return err
	}
	if err := c.syncQueue.Reified(ctx); err != nil {
		return err
	}

	c.requestQueue.Activate()
	c.syncQueue.Activate()
	c.activated = true

	return nil
}

// Deactivate pauses both queues. In-flight tasks run to completion.
func (c *Core) Deactivate() {
	c.requestQueue.Pause()
	c.syncQueue.Pause()
	c.activated = false

	if c.offUpgrade != nil {
		c.offUpgrade()
		c.offUpgrade = nil
	}
}

func (c *Core) Activated() bool {
	return c.activated
}

// Transformed registers applied transforms: ids not yet in the log are
// appended and a transform event is emitted for each, in order.
func (c *Core) Transformed(ctx context.Context, transforms []record.Transform) error {
	for i := range transforms {
		if c.transformLog.Contains(transforms[i].ID) {
			continue
		}

		if err := c.transformLog.Append(ctx, transforms[i].ID); err != nil {
			return err
		}

		if err := c.Emit(ctx, Notification{Event: Transform, Transform: &transforms[i]}); err != nil {
			return err
		}
	}

	return nil
}

// PerformQuery runs the uniform query pipeline around the given
// handler: normalize, beforeQuery with hints, enqueue, perform, then
// query or queryFail.
func (c *Core) PerformQuery(ctx context.Context, input any, options []record.Options, handler QueryHandler) (any, error) {
	q, err := query.Build(input, options...)
	if err != nil {
		return nil, err
	}

	hints := Hints{}

	if err := c.Emit(ctx, Notification{Event: BeforeQuery, Query: &q, Hints: hints}); err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: QueryFail, Query: &q, Error: err})
		return nil, err
	}

	data, err := c.requestQueue.Push(ctx, taskFor("query", q), func(ctx context.Context, _ Task) (any, error) {
		return handler(ctx, q, hints)
	})

	if err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: QueryFail, Query: &q, Error: err})
		return nil, err
	}

	c.emitIgnoringErrors(ctx, Notification{Event: QueryDone, Query: &q, Result: data})

	if q.Options.FullResponse {
		return FullResponse{Data: data}, nil
	}

	return data, nil
}

// PerformUpdate runs the uniform update pipeline: normalize,
// beforeUpdate with hints, enqueue, perform, log appends and transform
// events, then update or updateFail. Transform events are emitted
// strictly before the caller's result resolves.
func (c *Core) PerformUpdate(ctx context.Context, input any, options []record.Options, handler UpdateHandler) (any, error) {
	t, err := record.BuildTransform(input, options...)
	if err != nil {
		return nil, err
	}

	if c.transformLog.Contains(t.ID) {
		// already applied; nothing to do
		if t.Options.FullResponse {
			return FullResponse{}, nil
		}
		return nil, nil
	}

	hints := Hints{}

	if err := c.Emit(ctx, Notification{Event: BeforeUpdate, Transform: &t, Hints: hints}); err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: UpdateFail, Transform: &t, Error: err})
		return nil, err
	}

	data, err := c.requestQueue.Push(ctx, taskFor("update", t), func(ctx context.Context, _ Task) (any, error) {
		result, err := handler(ctx, t, hints)
		if err != nil {
			return nil, err
		}

		if err := c.Transformed(ctx, result.Transforms); err != nil {
			return nil, err
		}

		return result, nil
	})

	if err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: UpdateFail, Transform: &t, Error: err})
		return nil, err
	}

	result := data.(UpdateResult)

	c.emitIgnoringErrors(ctx, Notification{Event: UpdateDone, Transform: &t, Result: result.Data})

	if t.Options.FullResponse {
		full := FullResponse{Data: result.Data, Transforms: result.Transforms}
		if t.Options.IncludeDetails {
			full.Details = result.Details
		}
		return full, nil
	}

	return result.Data, nil
}

// PerformSync applies transforms originating from a peer source
// through the sync queue, deduplicating by log id.
func (c *Core) PerformSync(ctx context.Context, transforms []record.Transform, handler SyncHandler) error {
	pending := make([]record.Transform, 0, len(transforms))
	for _, t := range transforms {
		if !c.transformLog.Contains(t.ID) {
			pending = append(pending, t)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	if err := c.Emit(ctx, Notification{Event: BeforeSync, Transforms: pending, Hints: Hints{}}); err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: SyncFail, Transforms: pending, Error: err})
		return err
	}

	_, err := c.syncQueue.Push(ctx, taskFor("sync", pending), func(ctx context.Context, _ Task) (any, error) {
		if err := handler(ctx, pending); err != nil {
			return nil, err
		}

		return nil, c.Transformed(ctx, pending)
	})

	if err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: SyncFail, Transforms: pending, Error: err})
		return err
	}

	c.emitIgnoringErrors(ctx, Notification{Event: SyncDone, Transforms: pending})

	return nil
}

// PerformPull fetches transforms that would bring this source up to
// date with a remote, without applying them.
func (c *Core) PerformPull(ctx context.Context, input any, options []record.Options, handler PullHandler) ([]record.Transform, error) {
	q, err := query.Build(input, options...)
	if err != nil {
		return nil, err
	}

	hints := Hints{}

	if err := c.Emit(ctx, Notification{Event: BeforePull, Query: &q, Hints: hints}); err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: PullFail, Query: &q, Error: err})
		return nil, err
	}

	data, err := c.requestQueue.Push(ctx, taskFor("pull", q), func(ctx context.Context, _ Task) (any, error) {
		return handler(ctx, q, hints)
	})

	if err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: PullFail, Query: &q, Error: err})
		return nil, err
	}

	transforms := data.([]record.Transform)

	c.emitIgnoringErrors(ctx, Notification{Event: PullDone, Query: &q, Transforms: transforms})

	return transforms, nil
}

// PerformPush sends a transform to a remote and returns the transforms
// the remote reports as applied.
func (c *Core) PerformPush(ctx context.Context, input any, options []record.Options, handler PushHandler) ([]record.Transform, error) {
	t, err := record.BuildTransform(input, options...)
	if err != nil {
		return nil, err
	}

	hints := Hints{}

	if err := c.Emit(ctx, Notification{Event: BeforePush, Transform: &t, Hints: hints}); err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: PushFail, Transform: &t, Error: err})
		return nil, err
	}

	data, err := c.requestQueue.Push(ctx, taskFor("push", t), func(ctx context.Context, _ Task) (any, error) {
		return handler(ctx, t, hints)
	})

	if err != nil {
		c.emitIgnoringErrors(ctx, Notification{Event: PushFail, Transform: &t, Error: err})
		return nil, err
	}

	transforms := data.([]record.Transform)

	c.emitIgnoringErrors(ctx, Notification{Event: PushDone, Transform: &t, Transforms: transforms})

	return transforms, nil
}

// success and failure events must not abort the pipeline, unlike the
// before phase where a listener error vetoes the request
func (c *Core) emitIgnoringErrors(ctx context.Context, n Notification) {
	_ = c.Emit(ctx, n)
}

func taskFor(taskType string, payload any) Task {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	return Task{Type: taskType, Data: data}
}
