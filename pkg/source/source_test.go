package source

import (
	"context"
	"fmt"
	"testing"

	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/matryer/is"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	is := is.New(t)

	c, err := NewCore(context.Background(), WithName("test"))
	is.NoErr(err)

	return c
}

func TestCoreGeneratesANameWhenNoneIsGiven(t *testing.T) {
	is := is.New(t)

	c, err := NewCore(context.Background())
	is.NoErr(err)
	is.True(c.Name() != "")
	is.Equal(c.TransformLog().Name(), c.Name()+"-log")
	is.Equal(c.RequestQueue().Name(), c.Name()+"-requests")
	is.Equal(c.SyncQueue().Name(), c.Name()+"-sync")
}

func TestQueryPipelineEmitsEventsInOrder(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	events := []string{}
	c.On(BeforeQuery, func(ctx context.Context, n Notification) error {
		events = append(events, "beforeQuery")
		return nil
	})
	c.On(QueryDone, func(ctx context.Context, n Notification) error {
		events = append(events, "query")
		return nil
	})

	data, err := c.PerformQuery(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"}, nil,
		func(ctx context.Context, q query.Query, hints Hints) (any, error) {
			events = append(events, "perform")
			return "answer", nil
		})

	is.NoErr(err)
	is.Equal(data, "answer")
	is.Equal(events, []string{"beforeQuery", "perform", "query"})
}

func TestFailingBeforeListenerAbortsThePipeline(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	failed := false
	c.On(BeforeQuery, func(ctx context.Context, n Notification) error {
		return fmt.Errorf("vetoed")
	})
	c.On(QueryFail, func(ctx context.Context, n Notification) error {
		failed = true
		return nil
	})

	performed := false
	_, err := c.PerformQuery(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"}, nil,
		func(ctx context.Context, q query.Query, hints Hints) (any, error) {
			performed = true
			return nil, nil
		})

	is.True(err != nil)
	is.True(failed)
	is.True(!performed)
}

func TestHintsFlowFromBeforeListenerToHandler(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	c.On(BeforeQuery, func(ctx context.Context, n Notification) error {
		n.Hints["data"] = "precomputed"
		return nil
	})

	data, err := c.PerformQuery(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"}, nil,
		func(ctx context.Context, q query.Query, hints Hints) (any, error) {
			return hints["data"], nil
		})

	is.NoErr(err)
	is.Equal(data, "precomputed")
}

func TestTransformEventsFireBeforeUpdateResolves(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	events := []string{}
	c.On(Transform, func(ctx context.Context, n Notification) error {
		events = append(events, "transform:"+n.Transform.ID)
		return nil
	})

	op := record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")}
	t1 := record.Transform{ID: "t1", Operations: []record.Operation{op}}

	_, err := c.PerformUpdate(context.Background(), t1, nil,
		func(ctx context.Context, tr record.Transform, hints Hints) (UpdateResult, error) {
			return UpdateResult{Data: "done", Transforms: []record.Transform{tr}}, nil
		})
	events = append(events, "resolved")

	is.NoErr(err)
	is.Equal(events, []string{"transform:t1", "resolved"})
	is.True(c.TransformLog().Contains("t1"))
}

func TestUpdateOfALoggedTransformIsANoOp(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	op := record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")}
	t1 := record.Transform{ID: "t1", Operations: []record.Operation{op}}

	calls := 0
	handler := func(ctx context.Context, tr record.Transform, hints Hints) (UpdateResult, error) {
		calls++
		return UpdateResult{Transforms: []record.Transform{tr}}, nil
	}

	_, err := c.PerformUpdate(context.Background(), t1, nil, handler)
	is.NoErr(err)

	_, err = c.PerformUpdate(context.Background(), t1, nil, handler)
	is.NoErr(err)

	is.Equal(calls, 1)
}

func TestUpdateFailureEmitsUpdateFail(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	var failure error
	c.On(UpdateFail, func(ctx context.Context, n Notification) error {
		failure = n.Error
		return nil
	})

	op := record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")}

	_, err := c.PerformUpdate(context.Background(), op, nil,
		func(ctx context.Context, tr record.Transform, hints Hints) (UpdateResult, error) {
			return UpdateResult{}, fmt.Errorf("backend unavailable")
		})

	is.True(err != nil)
	is.Equal(failure.Error(), "backend unavailable")
	is.Equal(c.TransformLog().Length(), 0)

	// the failed task parks the request queue until resolved
	is.True(c.RequestQueue().Error() != nil)
	is.NoErr(c.RequestQueue().Skip())
}

func TestFullResponseModeWrapsTheResult(t *testing.T) {
	is := is.New(t)
	c := newTestCore(t)

	op := record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")}

	data, err := c.PerformUpdate(context.Background(), op, []record.Options{{FullResponse: true}},
		func(ctx context.Context, tr record.Transform, hints Hints) (UpdateResult, error) {
			return UpdateResult{Data: "record", Transforms: []record.Transform{tr}}, nil
		})

	is.NoErr(err)

	full, ok := data.(FullResponse)
	is.True(ok)
	is.Equal(full.Data, "record")
	is.Equal(len(full.Transforms), 1)
}

func TestEmitterRemovesListeners(t *testing.T) {
	is := is.New(t)

	e := &Emitter{}

	calls := 0
	off := e.On(Transform, func(ctx context.Context, n Notification) error {
		calls++
		return nil
	})

	is.NoErr(e.Emit(context.Background(), Notification{Event: Transform}))
	off()
	is.NoErr(e.Emit(context.Background(), Notification{Event: Transform}))

	is.Equal(calls, 1)
}
