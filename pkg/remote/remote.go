package remote

import (
	"context"
	"net/http"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/jsonapi"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/source"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("record-broker/remote-source")

const TraceAttributeRecordType string = "record-type"

// Source bridges the kernel pipeline to a remote JSON:API backend. It
// is queryable, updatable, pullable and pushable; state never lives
// here, only in the backend and in whichever caches sync against it.
type Source struct {
	*source.Core

	urls       *URLBuilder
	processor  *RequestProcessor
	serializer jsonapi.Serializer
	keyName    string
}

type settings struct {
	baseURL          string
	keyName          string
	resourcePath     func(recordType string) string
	serializer       jsonapi.Serializer
	processorOptions []ProcessorOption
	coreOptions      []source.CoreOption
}

type Option func(*settings)

func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		s.baseURL = baseURL
	}
}

// WithRemoteKey names the key under which remote ids are kept; it is
// also the id the wire format carries.
func WithRemoteKey(keyName string) Option {
	return func(s *settings) {
		s.keyName = keyName
	}
}

func WithResourcePath(resourcePath func(recordType string) string) Option {
	return func(s *settings) {
		s.resourcePath = resourcePath
	}
}

func WithSerializer(serializer jsonapi.Serializer) Option {
	return func(s *settings) {
		s.serializer = serializer
	}
}

func WithProcessorOptions(options ...ProcessorOption) Option {
	return func(s *settings) {
		s.processorOptions = append(s.processorOptions, options...)
	}
}

func WithCoreOptions(options ...source.CoreOption) Option {
	return func(s *settings) {
		s.coreOptions = append(s.coreOptions, options...)
	}
}

func New(ctx context.Context, options ...Option) (*Source, error) {
	settings := &settings{
		keyName: "remoteId",
	}

	for _, option := range options {
		option(settings)
	}

	s := &Source{
		urls:      NewURLBuilder(settings.baseURL, settings.resourcePath),
		processor: NewRequestProcessor(settings.processorOptions...),
		keyName:   settings.keyName,
	}

	core, err := source.NewCore(ctx, settings.coreOptions...)
	if err != nil {
		return nil, err
	}
	s.Core = core

	s.serializer = settings.serializer
	if s.serializer == nil {
		s.serializer = jsonapi.NewSerializer(s.Schema(), s.KeyMap(), jsonapi.WithRemoteKey(settings.keyName))
	}

	return s, nil
}

// Query resolves each expression against the backend. A 304 response
// resolves to nil data.
func (s *Source) Query(ctx context.Context, input any, options ...record.Options) (any, error) {
	return s.PerformQuery(ctx, input, options, func(ctx context.Context, q query.Query, hints source.Hints) (any, error) {
		results := make([]any, 0, len(q.Expressions))

		for _, expr := range q.Expressions {
			data, err := s.fetchExpression(ctx, expr)
			if err != nil {
				return nil, err
			}
			results = append(results, data)
		}

		if len(results) == 1 {
			return results[0], nil
		}

		return results, nil
	})
}

// Update sends each operation of the transform to the backend as its
// own request.
func (s *Source) Update(ctx context.Context, input any, options ...record.Options) (any, error) {
	return s.PerformUpdate(ctx, input, options, func(ctx context.Context, t record.Transform, hints source.Hints) (source.UpdateResult, error) {
		data, details, err := s.pushTransform(ctx, t)
		if err != nil {
			return source.UpdateResult{}, err
		}

		return source.UpdateResult{
			Data:       data,
			Details:    details,
			Transforms: []record.Transform{t},
		}, nil
	})
}

// Pull fetches remote state as a transform of update operations,
// without applying anything locally.
func (s *Source) Pull(ctx context.Context, input any, options ...record.Options) ([]record.Transform, error) {
	return s.PerformPull(ctx, input, options, func(ctx context.Context, q query.Query, hints source.Hints) ([]record.Transform, error) {
		operations := []record.Operation{}

		for _, expr := range q.Expressions {
			data, err := s.fetchExpression(ctx, expr)
			if err != nil {
				return nil, err
			}

			switch v := data.(type) {
			case record.Record:
				operations = append(operations, record.Operation{Op: record.UpdateRecord, Record: v})
			case []record.Record:
				for _, r := range v {
					operations = append(operations, record.Operation{Op: record.UpdateRecord, Record: r})
				}
			}
		}

		t, err := record.BuildTransform(operations)
		if err != nil {
			return nil, err
		}

		return []record.Transform{t}, nil
	})
}

// Push sends a transform to the backend and reports it as applied.
func (s *Source) Push(ctx context.Context, input any, options ...record.Options) ([]record.Transform, error) {
	return s.PerformPush(ctx, input, options, func(ctx context.Context, t record.Transform, hints source.Hints) ([]record.Transform, error) {
		if _, _, err := s.pushTransform(ctx, t); err != nil {
			return nil, err
		}

		return []record.Transform{t}, nil
	})
}

func (s *Source) fetchExpression(ctx context.Context, expr query.Expression) (any, error) {
	var err error

	ctx, span := tracer.Start(ctx, string(expr.Kind))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	requestURL, single, err := s.expressionURL(expr)
	if err != nil {
		return nil, err
	}

	doc, _, err := s.processor.FetchDocument(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		// not modified
		return nil, nil
	}

	if single {
		if doc.Data.One == nil {
			return nil, nil
		}
		r, err := s.serializer.Deserialize(*doc.Data.One)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	records := make([]record.Record, 0, len(doc.Data.List))
	for _, res := range doc.Data.List {
		r, err := s.serializer.Deserialize(res)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}

func (s *Source) expressionURL(expr query.Expression) (string, bool, error) {
	switch expr.Kind {
	case query.FindRecord:
		return s.urls.RecordURL(expr.Record.Type, s.remoteID(*expr.Record)), true, nil

	case query.FindRecords:
		if expr.Type == "" {
			return "", false, errors.NewQueryExpressionParseError("findRecords against a remote requires a type")
		}
		return appendParams(s.urls.TypeURL(expr.Type), s.queryParams(expr)), false, nil

	case query.FindRelatedRecord:
		return s.urls.RelatedURL(expr.Record.Type, s.remoteID(*expr.Record), expr.Relationship), true, nil

	case query.FindRelatedRecords:
		u := s.urls.RelatedURL(expr.Record.Type, s.remoteID(*expr.Record), expr.Relationship)
		return appendParams(u, s.queryParams(expr)), false, nil
	}

	return "", false, errors.NewQueryExpressionParseError("unknown query expression " + string(expr.Kind))
}

func (s *Source) queryParams(expr query.Expression) map[string][]string {
	return QueryParams(expr, func(id, recordType string) string {
		return s.remoteID(record.Identity{Type: recordType, ID: id})
	})
}

func (s *Source) pushTransform(ctx context.Context, t record.Transform) (any, []Details, error) {
	var err error

	ctx, span := tracer.Start(ctx, "push-transform")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	data := make([]any, 0, len(t.Operations))
	details := make([]Details, 0, len(t.Operations))

	for _, op := range t.Operations {
		span.SetAttributes(attribute.String(TraceAttributeRecordType, op.Record.Type))

		result, d, opErr := s.pushOperation(ctx, op)
		if opErr != nil {
			err = opErr
			return nil, nil, err
		}

		data = append(data, result)
		details = append(details, d)
	}

	if len(data) == 1 {
		return data[0], details, nil
	}

	return data, details, nil
}

// pushOperation maps one operation onto the wire: POST for adds,
// PATCH for record and relationship replacement, DELETE for removal.
func (s *Source) pushOperation(ctx context.Context, op record.Operation) (any, Details, error) {
	identity := op.Record.Identity
	recordURL := s.urls.RecordURL(identity.Type, s.remoteID(identity))

	switch op.Op {
	case record.AddRecord:
		doc := jsonapi.Document{Data: jsonapi.PrimaryData{One: ptr(s.serializer.Serialize(op.Record))}}
		return s.sendRecord(ctx, http.MethodPost, s.urls.TypeURL(identity.Type), doc.Bytes(), op.Record)

	case record.UpdateRecord:
		doc := jsonapi.Document{Data: jsonapi.PrimaryData{One: ptr(s.serializer.Serialize(op.Record))}}
		return s.sendRecord(ctx, http.MethodPatch, recordURL, doc.Bytes(), op.Record)

	case record.RemoveRecord:
		_, details, err := s.processor.FetchDocument(ctx, http.MethodDelete, recordURL, nil)
		return nil, details, err

	case record.ReplaceKey, record.ReplaceAttribute:
		partial := record.Record{Identity: identity}
		if op.Op == record.ReplaceKey {
			value, _ := op.Value.(string)
			partial.Keys = map[string]string{op.Key: value}
		} else {
			partial.Attributes = map[string]any{op.Attribute: op.Value}
		}

		doc := jsonapi.Document{Data: jsonapi.PrimaryData{One: ptr(s.serializer.Serialize(partial))}}
		return s.sendRecord(ctx, http.MethodPatch, recordURL, doc.Bytes(), op.Record)

	case record.AddToRelatedRecords, record.RemoveFromRelatedRecords, record.ReplaceRelatedRecords, record.ReplaceRelatedRecord:
		return s.pushRelationshipOperation(ctx, op)
	}

	return nil, Details{}, errors.NewOperationNotAllowed("unknown operation " + string(op.Op))
}

func (s *Source) pushRelationshipOperation(ctx context.Context, op record.Operation) (any, Details, error) {
	identity := op.Record.Identity
	relURL := s.urls.RelationshipURL(identity.Type, s.remoteID(identity), op.Relationship)

	identifier := func(target record.Identity) jsonapi.ResourceIdentifier {
		return jsonapi.ResourceIdentifier{Type: target.Type, ID: s.remoteID(target)}
	}

	var method string
	var data jsonapi.RelationshipData

	switch op.Op {
	case record.AddToRelatedRecords:
		method = http.MethodPost
		data = jsonapi.RelationshipData{Many: true, List: []jsonapi.ResourceIdentifier{identifier(*op.RelatedRecord)}}

	case record.RemoveFromRelatedRecords:
		method = http.MethodDelete
		data = jsonapi.RelationshipData{Many: true, List: []jsonapi.ResourceIdentifier{identifier(*op.RelatedRecord)}}

	case record.ReplaceRelatedRecords:
		method = http.MethodPatch
		list := make([]jsonapi.ResourceIdentifier, 0, len(op.RelatedRecords))
		for _, target := range op.RelatedRecords {
			list = append(list, identifier(target))
		}
		data = jsonapi.RelationshipData{Many: true, List: list}

	default:
		method = http.MethodPatch
		if op.RelatedRecord != nil {
			data = jsonapi.RelationshipData{One: ptr(identifier(*op.RelatedRecord))}
		}
	}

	body := []byte(`{"data":null}`)
	if op.Op != record.ReplaceRelatedRecord || op.RelatedRecord != nil {
		raw, err := data.MarshalJSON()
		if err != nil {
			return nil, Details{}, err
		}
		body = append(append([]byte(`{"data":`), raw...), '}')
	}

	_, details, err := s.processor.FetchDocument(ctx, method, relURL, body)
	return nil, details, err
}

// sendRecord issues a write and answers with the record the backend
// echoed back, falling back to the record that was sent.
func (s *Source) sendRecord(ctx context.Context, method, requestURL string, body []byte, sent record.Record) (any, Details, error) {
	doc, details, err := s.processor.FetchDocument(ctx, method, requestURL, body)
	if err != nil {
		return nil, details, err
	}

	if doc != nil && doc.Data.One != nil {
		r, err := s.serializer.Deserialize(*doc.Data.One)
		if err != nil {
			return nil, details, err
		}
		return r, details, nil
	}

	return sent, details, nil
}

func (s *Source) remoteID(identity record.Identity) string {
	if s.keyName == "" || s.KeyMap() == nil {
		return identity.ID
	}

	if key := s.KeyMap().IDToKey(identity.Type, s.keyName, identity.ID); key != "" {
		return key
	}

	return identity.ID
}

func ptr[T any](v T) *T {
	return &v
}
