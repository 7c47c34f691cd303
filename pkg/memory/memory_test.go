package memory

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/diwise/record-broker/pkg/source"
	"github.com/matryer/is"
)

func testSchema() *schema.Schema {
	return schema.New(schema.WithModels(map[string]schema.ModelDef{
		"planet": {
			Attributes: map[string]schema.AttributeDef{"name": {Type: "string"}},
			Relationships: map[string]schema.RelationshipDef{
				"moons": {Kind: schema.HasMany, Types: []string{"moon"}, Inverse: "planet"},
			},
		},
		"moon": {
			Attributes: map[string]schema.AttributeDef{"name": {Type: "string"}},
			Relationships: map[string]schema.RelationshipDef{
				"planet": {Kind: schema.HasOne, Types: []string{"planet"}, Inverse: "moons"},
			},
		},
	}))
}

func newTestSource(t *testing.T) *Source {
	t.Helper()
	is := is.New(t)

	s, err := New(context.Background(), testSchema(), WithName("mem"))
	is.NoErr(err)

	return s
}

func TestUpdateAndQueryRoundTrip(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)
	ctx := context.Background()

	data, err := s.Update(ctx, record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1", record.Attribute("name", "Jupiter"))})
	is.NoErr(err)
	is.Equal(data.(record.Record).Attributes["name"], "Jupiter")

	answer, err := s.Query(ctx, query.Expression{Kind: query.FindRecord, Record: &record.Identity{Type: "planet", ID: "p1"}})
	is.NoErr(err)
	is.Equal(answer.(record.Record).Attributes["name"], "Jupiter")
}

func TestUpdateRegistersTheTransformInTheLog(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)

	t1 := record.Transform{
		ID:         "t1",
		Operations: []record.Operation{{Op: record.AddRecord, Record: record.New("planet", "p1")}},
	}

	_, err := s.Update(context.Background(), t1)
	is.NoErr(err)

	is.True(s.TransformLog().Contains("t1"))
}

func TestQueryAnswersFromAHint(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)

	s.On(source.BeforeQuery, func(ctx context.Context, n source.Notification) error {
		n.Hints["data"] = "from-a-hint"
		return nil
	})

	data, err := s.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.NoErr(err)
	is.Equal(data, "from-a-hint")
}

func TestFailedUpdateLeavesNoTrace(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)
	ctx := context.Background()

	_, err := s.Update(ctx, record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")})
	is.NoErr(err)

	_, err = s.Update(ctx, record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1")})
	is.True(goerrors.Is(err, errors.ErrRecordAlreadyExists))

	is.Equal(s.TransformLog().Length(), 1)
	is.NoErr(s.RequestQueue().Skip())
}

func TestSyncDeduplicatesByLogID(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)
	ctx := context.Background()

	t1 := record.Transform{
		ID:         "t1",
		Operations: []record.Operation{{Op: record.AddRecord, Record: record.New("planet", "p1")}},
	}

	is.NoErr(s.Sync(ctx, t1))
	// applying the same transform again must not fail on the duplicate add
	is.NoErr(s.Sync(ctx, t1))

	_, ok := s.Cache().GetRecord(record.Identity{Type: "planet", ID: "p1"})
	is.True(ok)
}

func TestConnectedSourcesReplicate(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	upstream := newTestSource(t)

	downstream, err := New(ctx, testSchema(), WithName("replica"))
	is.NoErr(err)

	disconnect := Connect(upstream.Core, downstream)
	defer disconnect()

	_, err = upstream.Update(ctx, record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1", record.Attribute("name", "Jupiter"))})
	is.NoErr(err)

	replica, ok := downstream.Cache().GetRecord(record.Identity{Type: "planet", ID: "p1"})
	is.True(ok)
	is.Equal(replica.Attributes["name"], "Jupiter")

	// both logs agree on what has been applied
	is.Equal(upstream.TransformLog().Entries(), downstream.TransformLog().Entries())
}

func TestMultiOperationUpdateAnswersPositionally(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)

	data, err := s.Update(context.Background(), []record.Operation{
		{Op: record.AddRecord, Record: record.New("planet", "p1", record.Attribute("name", "Jupiter"))},
		{Op: record.AddRecord, Record: record.New("planet", "p2", record.Attribute("name", "Mars"))},
	})
	is.NoErr(err)

	results := data.([]any)
	is.Equal(len(results), 2)
	is.Equal(results[0].(record.Record).Attributes["name"], "Jupiter")
	is.Equal(results[1].(record.Record).Attributes["name"], "Mars")
}

func TestUpdateWithBuilderFunc(t *testing.T) {
	is := is.New(t)
	s := newTestSource(t)

	_, err := s.Update(context.Background(), record.TransformBuilderFunc(func(b *record.TransformBuilder) []record.Operation {
		return []record.Operation{
			b.AddRecord(record.New("planet", "p1", record.Attribute("name", "Jupiter"))),
			b.ReplaceAttribute(record.Identity{Type: "planet", ID: "p1"}, "name", "Zeus"),
		}
	}))
	is.NoErr(err)

	r, ok := s.Cache().GetRecord(record.Identity{Type: "planet", ID: "p1"})
	is.True(ok)
	is.Equal(r.Attributes["name"], "Zeus")
}
