package records

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/record-broker/internal/pkg/infrastructure/router"
	"github.com/diwise/record-broker/pkg/jsonapi"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/memory"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/matryer/is"
)

const allowAllPolicy string = `package example.authz

default allow = false

allow = true {
	input.token != ""
}`

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

func setupTest(t *testing.T) (*httptest.Server, *memory.Source) {
	t.Helper()
	is := is.New(t)
	ctx := context.Background()

	src, err := memory.New(ctx, testSchema(), memory.WithName("api-test"), memory.WithKeyMap(keymap.New()))
	is.NoErr(err)

	r := router.New("record-broker-test")
	err = RegisterHandlers(ctx, r, strings.NewReader(allowAllPolicy), src)
	is.NoErr(err)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return server, src
}

func doRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	is := is.New(t)

	req, err := http.NewRequest(method, url, body)
	is.NoErr(err)
	req.Header.Set("Authorization", "Bearer test-token")
	if body != nil {
		req.Header.Set("Content-Type", jsonapi.MediaType)
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)

	return resp
}

func parseDocument(t *testing.T, resp *http.Response) *jsonapi.Document {
	t.Helper()
	is := is.New(t)

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)

	doc, err := jsonapi.NewDocumentFromJSON(body)
	is.NoErr(err)

	return doc
}

func TestCreateRecordRespondsWithCreated(t *testing.T) {
	is := is.New(t)
	server, _ := setupTest(t)

	doc := jsonapi.Document{Data: jsonapi.PrimaryData{One: &jsonapi.Resource{
		Type:       "planet",
		Attributes: map[string]any{"name": "Jupiter"},
	}}}

	resp := doRequest(t, http.MethodPost, server.URL+"/api/planet/", bytes.NewReader(doc.Bytes()))
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.True(resp.Header.Get("Location") != "")

	parsed := parseDocument(t, resp)
	is.Equal(parsed.Data.One.Attributes["name"], "Jupiter")
	is.True(parsed.Data.One.ID != "")
}

func TestQueryRecordsAnswersTheCollection(t *testing.T) {
	is := is.New(t)
	server, src := setupTest(t)

	_, err := src.Update(context.Background(), record.Operation{Op: record.AddRecord, Record: record.New("planet", "p1", record.Attribute("name", "Jupiter"))})
	is.NoErr(err)

	resp := doRequest(t, http.MethodGet, server.URL+"/api/planet/", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	parsed := parseDocument(t, resp)
	is.True(parsed.Data.Many)
	is.Equal(len(parsed.Data.List), 1)
}

func TestRetrieveMissingRecordRespondsNotFound(t *testing.T) {
	is := is.New(t)
	server, _ := setupTest(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/api/planet/nope/", nil)
	defer resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestRequestWithoutTokenIsRejected(t *testing.T) {
	is := is.New(t)
	server, _ := setupTest(t)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/planet/", nil)
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusUnauthorized)
}

func TestRemoveRecordCascadesOverTheAPI(t *testing.T) {
	is := is.New(t)
	server, src := setupTest(t)
	ctx := context.Background()

	_, err := src.Update(ctx, []record.Operation{
		{Op: record.AddRecord, Record: record.New("planet", "earth", record.Attribute("name", "Earth"))},
		{Op: record.AddRecord, Record: record.New("moon", "luna", record.Attribute("name", "Luna"),
			record.HasOne("planet", &record.Identity{Type: "planet", ID: "earth"}))},
	})
	is.NoErr(err)

	resp := doRequest(t, http.MethodDelete, server.URL+"/api/planet/earth/", nil)
	defer resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNoContent)

	luna, ok := src.Cache().GetRecord(record.Identity{Type: "moon", ID: "luna"})
	is.True(ok)
	is.Equal(luna.Relationships["planet"].RelatedRecord(), nil)
}

func TestRetrieveRelatedRecords(t *testing.T) {
	is := is.New(t)
	server, src := setupTest(t)

	_, err := src.Update(context.Background(), []record.Operation{
		{Op: record.AddRecord, Record: record.New("planet", "mars", record.Attribute("name", "Mars"))},
		{Op: record.AddRecord, Record: record.New("moon", "phobos", record.Attribute("name", "Phobos"),
			record.HasOne("planet", &record.Identity{Type: "planet", ID: "mars"}))},
	})
	is.NoErr(err)

	resp := doRequest(t, http.MethodGet, server.URL+"/api/planet/mars/moons", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	parsed := parseDocument(t, resp)
	is.True(parsed.Data.Many)
	is.Equal(len(parsed.Data.List), 1)
	is.Equal(parsed.Data.List[0].Attributes["name"], "Phobos")
}
