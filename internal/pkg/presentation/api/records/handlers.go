package records

import (
	"context"
	goerrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/record-broker/internal/pkg/presentation/api/records/auth"
	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/jsonapi"
	"github.com/diwise/record-broker/pkg/memory"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("record-broker/api")

// RegisterHandlers exposes a memory source over the JSON:API surface:
// GET for queries, POST for adds, PATCH for updates and DELETE for
// removals, all under /api/{type}.
func RegisterHandlers(ctx context.Context, r chi.Router, policies io.Reader, src *memory.Source) error {
	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return err
	}

	serializer := jsonapi.NewSerializer(src.Schema(), src.KeyMap())
	logger := logging.GetFromContext(ctx)

	r.Route("/api", func(r chi.Router) {
		r.Use(requestLogger(logger))

		r.Route("/{recordType}", func(r chi.Router) {
			r.Get("/", NewQueryRecordsHandler(src, serializer, authenticator))
			r.Post("/", NewAddRecordHandler(src, serializer, authenticator))

			r.Route("/{recordId}", func(r chi.Router) {
				r.Get("/", NewRetrieveRecordHandler(src, serializer, authenticator))
				r.Patch("/", NewUpdateRecordHandler(src, serializer, authenticator))
				r.Delete("/", NewRemoveRecordHandler(src, authenticator))

				r.Get("/{relationship}", NewRetrieveRelatedHandler(src, serializer, authenticator))
			})
		})
	})

	return nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.NewContextWithLogger(r.Context(), logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func NewQueryRecordsHandler(src *memory.Source, serializer jsonapi.Serializer, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-records")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		recordType := chi.URLParam(r, "recordType")

		if err = authenticator.CheckAccess(ctx, r, []string{recordType}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		term := (&query.Builder{}).FindRecords(recordType)
		applyQueryParams(term, r)

		data, err := src.Query(ctx, term.Expression())
		if err != nil {
			writeError(w, err)
			return
		}

		records, _ := data.([]record.Record)
		resources := make([]jsonapi.Resource, 0, len(records))
		for _, rec := range records {
			resources = append(resources, serializer.Serialize(rec))
		}

		writeDocument(w, http.StatusOK, jsonapi.Document{Data: jsonapi.PrimaryData{Many: true, List: resources}})
	}
}

func NewRetrieveRecordHandler(src *memory.Source, serializer jsonapi.Serializer, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-record")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		identity := record.Identity{
			Type: chi.URLParam(r, "recordType"),
			ID:   chi.URLParam(r, "recordId"),
		}

		if err = authenticator.CheckAccess(ctx, r, []string{identity.Type}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		data, err := src.Query(ctx, query.Expression{Kind: query.FindRecord, Record: &identity})
		if err != nil {
			writeError(w, err)
			return
		}

		rec, _ := data.(record.Record)
		res := serializer.Serialize(rec)
		writeDocument(w, http.StatusOK, jsonapi.Document{Data: jsonapi.PrimaryData{One: &res}})
	}
}

func NewRetrieveRelatedHandler(src *memory.Source, serializer jsonapi.Serializer, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-related")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		identity := record.Identity{
			Type: chi.URLParam(r, "recordType"),
			ID:   chi.URLParam(r, "recordId"),
		}
		relationship := chi.URLParam(r, "relationship")

		if err = authenticator.CheckAccess(ctx, r, []string{identity.Type}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		def, err := src.Schema().Relationship(identity.Type, relationship)
		if err != nil {
			writeError(w, err)
			return
		}

		kind := query.FindRelatedRecord
		if def.Kind == "hasMany" {
			kind = query.FindRelatedRecords
		}

		data, err := src.Query(ctx, query.Expression{Kind: kind, Record: &identity, Relationship: relationship})
		if err != nil {
			writeError(w, err)
			return
		}

		switch v := data.(type) {
		case []record.Record:
			resources := make([]jsonapi.Resource, 0, len(v))
			for _, rec := range v {
				resources = append(resources, serializer.Serialize(rec))
			}
			writeDocument(w, http.StatusOK, jsonapi.Document{Data: jsonapi.PrimaryData{Many: true, List: resources}})
		case record.Record:
			res := serializer.Serialize(v)
			writeDocument(w, http.StatusOK, jsonapi.Document{Data: jsonapi.PrimaryData{One: &res}})
		default:
			writeDocument(w, http.StatusOK, jsonapi.Document{})
		}
	}
}

func NewAddRecordHandler(src *memory.Source, serializer jsonapi.Serializer, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "add-record")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		recordType := chi.URLParam(r, "recordType")

		if err = authenticator.CheckAccess(ctx, r, []string{recordType}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		rec, err := decodeRecord(r, serializer)
		if err != nil {
			writeError(w, err)
			return
		}

		if rec.ID == "" {
			rec.Identity.ID = src.Schema().GenerateID(recordType)
		}

		data, err := src.Update(ctx, record.Operation{Op: record.AddRecord, Record: rec})
		if err != nil {
			writeError(w, err)
			return
		}

		stored, _ := data.(record.Record)
		res := serializer.Serialize(stored)

		w.Header().Set("Location", "/api/"+recordType+"/"+stored.ID)
		writeDocument(w, http.StatusCreated, jsonapi.Document{Data: jsonapi.PrimaryData{One: &res}})
	}
}

func NewUpdateRecordHandler(src *memory.Source, serializer jsonapi.Serializer, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "update-record")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		recordType := chi.URLParam(r, "recordType")

		if err = authenticator.CheckAccess(ctx, r, []string{recordType}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		rec, err := decodeRecord(r, serializer)
		if err != nil {
			writeError(w, err)
			return
		}

		rec.Identity.Type = recordType
		rec.Identity.ID = chi.URLParam(r, "recordId")

		data, err := src.Update(ctx, record.Operation{Op: record.UpdateRecord, Record: rec})
		if err != nil {
			writeError(w, err)
			return
		}

		updated, _ := data.(record.Record)
		res := serializer.Serialize(updated)
		writeDocument(w, http.StatusOK, jsonapi.Document{Data: jsonapi.PrimaryData{One: &res}})
	}
}

func NewRemoveRecordHandler(src *memory.Source, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "remove-record")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		identity := record.Identity{
			Type: chi.URLParam(r, "recordType"),
			ID:   chi.URLParam(r, "recordId"),
		}

		if err = authenticator.CheckAccess(ctx, r, []string{identity.Type}); err != nil {
			writeError(w, errors.NewClientError(http.StatusUnauthorized, nil))
			return
		}

		_, err = src.Update(ctx, record.Operation{Op: record.RemoveRecord, Record: record.Record{Identity: identity}})
		if err != nil {
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeRecord(r *http.Request, serializer jsonapi.Serializer) (record.Record, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return record.Record{}, errors.NewClientError(http.StatusBadRequest, nil)
	}

	doc, err := jsonapi.NewDocumentFromJSON(body)
	if err != nil {
		return record.Record{}, errors.NewClientError(http.StatusBadRequest, nil)
	}

	if doc.Data.One == nil {
		return record.Record{}, errors.NewClientError(http.StatusBadRequest, nil)
	}

	return serializer.Deserialize(*doc.Data.One)
}

// applyQueryParams maps filter[attr], sort and page[...] parameters
// onto the builder term.
func applyQueryParams(term *query.FindRecordsTerm, r *http.Request) {
	for name, values := range r.URL.Query() {
		if strings.HasPrefix(name, "filter[") && strings.HasSuffix(name, "]") && len(values) > 0 {
			attribute := strings.TrimSuffix(strings.TrimPrefix(name, "filter["), "]")

			value := any(values[0])
			if number, err := strconv.ParseFloat(values[0], 64); err == nil {
				value = number
			}

			term.FilterAttribute(attribute, query.OpEqual, value)
		}
	}

	if sortParam := r.URL.Query().Get("sort"); sortParam != "" {
		term.Sort(strings.Split(sortParam, ",")...)
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("page[offset]"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("page[limit]"))
	if offset > 0 || limit > 0 {
		term.Page(offset, limit)
	}
}

func writeDocument(w http.ResponseWriter, statusCode int, doc jsonapi.Document) {
	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.WriteHeader(statusCode)
	w.Write(doc.Bytes())
}

func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError

	switch {
	case goerrors.Is(err, errors.ErrRecordNotFound),
		goerrors.Is(err, errors.ErrRelatedRecordNotFound),
		goerrors.Is(err, errors.ErrModelNotDefined):
		statusCode = http.StatusNotFound
	case goerrors.Is(err, errors.ErrRecordAlreadyExists):
		statusCode = http.StatusConflict
	case goerrors.Is(err, errors.ErrOperationNotAllowed),
		goerrors.Is(err, errors.ErrQueryExpressionParse),
		goerrors.Is(err, errors.ErrTransformNotAllowed),
		goerrors.Is(err, errors.ErrSchema):
		statusCode = http.StatusBadRequest
	}

	var response *errors.ResponseError
	if goerrors.As(err, &response) {
		statusCode = response.StatusCode
	}

	doc := jsonapi.Document{
		Errors: []jsonapi.ErrorObject{{
			Status: strconv.Itoa(statusCode),
			Title:  http.StatusText(statusCode),
			Detail: err.Error(),
		}},
	}

	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.WriteHeader(statusCode)
	w.Write(doc.Bytes())
}
