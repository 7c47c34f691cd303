package remote

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/jsonapi"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/diwise/record-broker/pkg/source"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var path = expects.RequestPath

func testSchema() *schema.Schema {
	return schema.New(schema.WithModels(map[string]schema.ModelDef{
		"planet": {
			Attributes: map[string]schema.AttributeDef{"name": {Type: "string"}},
			Keys:       map[string]schema.KeyDef{"remoteId": {}},
		},
	}))
}

func newRemoteSource(t *testing.T, baseURL string, km *keymap.KeyMap, processorOptions ...ProcessorOption) *Source {
	t.Helper()
	is := is.New(t)

	s, err := New(context.Background(),
		WithBaseURL(baseURL),
		WithProcessorOptions(processorOptions...),
		WithCoreOptions(
			source.WithName("remote"),
			source.WithSchema(testSchema()),
			source.WithKeyMap(km),
		),
	)
	is.NoErr(err)

	return s
}

func TestQueryRecordsDeserializesTheResponse(t *testing.T) {
	is := is.New(t)

	doc := jsonapi.Document{
		Data: jsonapi.PrimaryData{Many: true, List: []jsonapi.Resource{
			{Type: "planet", ID: "12345", Attributes: map[string]any{"name": "Jupiter"}},
		}},
	}

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodGet),
			path("/planet"),
		),
		Returns(
			response.ContentType(jsonapi.MediaType),
			response.Code(http.StatusOK),
			response.Body(doc.Bytes()),
		),
	)
	defer s.Close()

	km := keymap.New()
	src := newRemoteSource(t, s.URL(), km)

	data, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.NoErr(err)

	records := data.([]record.Record)
	is.Equal(len(records), 1)
	is.Equal(records[0].Attributes["name"], "Jupiter")
	is.Equal(records[0].Keys["remoteId"], "12345")

	// the remote id is reconciled into the key map
	is.Equal(km.KeyToID("planet", "remoteId", "12345"), records[0].ID)
}

func TestNotModifiedResolvesToNilData(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodGet),
			path("/planet/12345"),
		),
		Returns(
			response.Code(http.StatusNotModified),
		),
	)
	defer s.Close()

	km := keymap.New()
	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "12345")))

	src := newRemoteSource(t, s.URL(), km)

	data, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecord, Record: &record.Identity{Type: "planet", ID: "p1"}})
	is.NoErr(err)
	is.Equal(data, nil)
}

func TestClientErrorMapsFourHundreds(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(response.Code(http.StatusNotFound)),
	)
	defer s.Close()

	src := newRemoteSource(t, s.URL(), keymap.New())

	_, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.True(goerrors.Is(err, errors.ErrClient))

	var respErr *errors.ResponseError
	is.True(goerrors.As(err, &respErr))
	is.Equal(respErr.StatusCode, http.StatusNotFound)

	is.NoErr(src.RequestQueue().Skip())
}

func TestServerErrorMapsFiveHundreds(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(response.Code(http.StatusInternalServerError)),
	)
	defer s.Close()

	src := newRemoteSource(t, s.URL(), keymap.New())

	_, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.True(goerrors.Is(err, errors.ErrServer))

	is.NoErr(src.RequestQueue().Skip())
}

func TestTimeoutRaisesNetworkErrorWithExactDescription(t *testing.T) {
	is := is.New(t)

	slowFetch := func(req *http.Request) (*http.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, fmt.Errorf("too late")
	}

	src := newRemoteSource(t, "http://localhost:0", keymap.New(),
		WithFetch(slowFetch),
		WithFetchSettings(FetchSettings{Timeout: 10 * time.Millisecond}),
	)

	_, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.True(goerrors.Is(err, errors.ErrNetwork))
	is.Equal(err.Error(), "No fetch response within 10ms.")

	is.NoErr(src.RequestQueue().Skip())
}

func TestRejectedFetchRaisesNetworkErrorWithReason(t *testing.T) {
	is := is.New(t)

	src := newRemoteSource(t, "http://localhost:0", keymap.New(),
		WithFetch(func(req *http.Request) (*http.Response, error) {
			return nil, fmt.Errorf("connection refused")
		}),
	)

	_, err := src.Query(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.True(goerrors.Is(err, errors.ErrNetwork))
	is.Equal(err.Error(), "connection refused")

	is.NoErr(src.RequestQueue().Skip())
}

func TestUpdatePostsNewRecords(t *testing.T) {
	is := is.New(t)

	echo := jsonapi.Document{
		Data: jsonapi.PrimaryData{One: &jsonapi.Resource{
			Type: "planet", ID: "12345", Attributes: map[string]any{"name": "Jupiter"},
		}},
	}

	s := testutils.NewMockServiceThat(
		Expects(is,
			method(http.MethodPost),
			path("/planet"),
			expects.RequestBodyContaining(`"name":"Jupiter"`),
		),
		Returns(
			response.ContentType(jsonapi.MediaType),
			response.Code(http.StatusCreated),
			response.Body(echo.Bytes()),
		),
	)
	defer s.Close()

	km := keymap.New()
	src := newRemoteSource(t, s.URL(), km)

	data, err := src.Update(context.Background(), record.Operation{
		Op:     record.AddRecord,
		Record: record.New("planet", "p1", record.Attribute("name", "Jupiter")),
	})
	is.NoErr(err)

	stored := data.(record.Record)
	is.Equal(stored.Keys["remoteId"], "12345")
	is.Equal(s.RequestCount(), 1)
}

func TestPushReportsTheTransformAsApplied(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(response.Code(http.StatusNoContent)),
	)
	defer s.Close()

	src := newRemoteSource(t, s.URL(), keymap.New())

	t1 := record.Transform{
		ID: "t1",
		Operations: []record.Operation{
			{Op: record.RemoveRecord, Record: record.Record{Identity: record.Identity{Type: "planet", ID: "p1"}}},
		},
	}

	applied, err := src.Push(context.Background(), t1)
	is.NoErr(err)
	is.Equal(len(applied), 1)
	is.Equal(applied[0].ID, "t1")
}

func TestPullWrapsFetchedRecordsInATransform(t *testing.T) {
	is := is.New(t)

	doc := jsonapi.Document{
		Data: jsonapi.PrimaryData{Many: true, List: []jsonapi.Resource{
			{Type: "planet", ID: "1", Attributes: map[string]any{"name": "Jupiter"}},
			{Type: "planet", ID: "2", Attributes: map[string]any{"name": "Mars"}},
		}},
	}

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType(jsonapi.MediaType),
			response.Code(http.StatusOK),
			response.Body(doc.Bytes()),
		),
	)
	defer s.Close()

	src := newRemoteSource(t, s.URL(), keymap.New())

	transforms, err := src.Pull(context.Background(), query.Expression{Kind: query.FindRecords, Type: "planet"})
	is.NoErr(err)
	is.Equal(len(transforms), 1)
	is.Equal(len(transforms[0].Operations), 2)
	is.Equal(transforms[0].Operations[0].Op, record.UpdateRecord)
}

func TestQueryParamsRenderTheModifiers(t *testing.T) {
	is := is.New(t)

	expr := query.Expression{
		Kind: query.FindRecords,
		Type: "planet",
		Filters: []query.Filter{
			{Kind: query.AttributeFilter, Op: query.OpEqual, Attribute: "name", Value: "Jupiter"},
		},
		Sort: []query.SortSpecifier{
			{Attribute: "name", Order: query.Ascending},
			{Attribute: "sequence", Order: query.Descending},
		},
		Page: &query.Page{Offset: 2, Limit: 10},
	}

	params := QueryParams(expr, func(id, recordType string) string { return id })

	is.Equal(params.Get("filter[name]"), "Jupiter")
	is.Equal(params.Get("sort"), "name,-sequence")
	is.Equal(params.Get("page[offset]"), "2")
	is.Equal(params.Get("page[limit]"), "10")
}
