package source

import (
	"context"

	"github.com/diwise/record-broker/pkg/record"
)

// Source is the minimal surface every coordinator around a data sink
// exposes.
type Source interface {
	Name() string
	Activate(ctx context.Context) error
	Deactivate()
	On(event Event, listener Listener) func()
}

// Queryable sources answer structured queries. Input accepts anything
// query.Build understands.
type Queryable interface {
	Query(ctx context.Context, input any, options ...record.Options) (any, error)
}

// Updatable sources accept transforms. Input accepts anything
// record.BuildTransform understands.
type Updatable interface {
	Update(ctx context.Context, input any, options ...record.Options) (any, error)
}

// Syncable sources apply transforms emitted by a peer source,
// deduplicated by transform log id.
type Syncable interface {
	Sync(ctx context.Context, transforms ...record.Transform) error
}

// Pullable sources fetch remote state expressed as transforms, without
// applying it.
type Pullable interface {
	Pull(ctx context.Context, input any, options ...record.Options) ([]record.Transform, error)
}

// Pushable sources send a transform to a remote and report the
// transforms the remote applied.
type Pushable interface {
	Push(ctx context.Context, input any, options ...record.Options) ([]record.Transform, error)
}
