package remote

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/diwise/record-broker/pkg/query"
)

// URLBuilder shapes resource URLs the JSON:API way:
// /<type-path>[/<remote-id>][/<rel-path>].
type URLBuilder struct {
	base         string
	resourcePath func(recordType string) string
}

func NewURLBuilder(base string, resourcePath func(recordType string) string) *URLBuilder {
	if resourcePath == nil {
		resourcePath = func(recordType string) string { return recordType }
	}

	return &URLBuilder{
		base:         strings.TrimSuffix(base, "/"),
		resourcePath: resourcePath,
	}
}

func (b *URLBuilder) TypeURL(recordType string) string {
	return b.base + "/" + url.PathEscape(b.resourcePath(recordType))
}

func (b *URLBuilder) RecordURL(recordType, remoteID string) string {
	return b.TypeURL(recordType) + "/" + url.PathEscape(remoteID)
}

func (b *URLBuilder) RelatedURL(recordType, remoteID, relationship string) string {
	return b.RecordURL(recordType, remoteID) + "/" + url.PathEscape(relationship)
}

func (b *URLBuilder) RelationshipURL(recordType, remoteID, relationship string) string {
	return b.RecordURL(recordType, remoteID) + "/relationships/" + url.PathEscape(relationship)
}

// QueryParams renders the filter/sort/page modifiers of an expression
// as standard JSON:API query parameters. The remoteID function
// translates local ids for relationship filters.
func QueryParams(expr query.Expression, remoteID func(identity string, recordType string) string) url.Values {
	params := url.Values{}

	for _, f := range expr.Filters {
		switch f.Kind {
		case query.AttributeFilter:
			params.Add("filter["+f.Attribute+"]", fmt.Sprint(f.Value))
		case query.RelatedRecordFilter, query.RelatedRecordsFilter:
			ids := make([]string, 0, len(f.Records))
			for _, identity := range f.Records {
				ids = append(ids, remoteID(identity.ID, identity.Type))
			}
			params.Add("filter["+f.Relation+"]", strings.Join(ids, ","))
		}
	}

	if len(expr.Sort) > 0 {
		fields := make([]string, 0, len(expr.Sort))
		for _, spec := range expr.Sort {
			if spec.Order == query.Descending {
				fields = append(fields, "-"+spec.Attribute)
			} else {
				fields = append(fields, spec.Attribute)
			}
		}
		params.Set("sort", strings.Join(fields, ","))
	}

	if expr.Page != nil {
		if expr.Page.Offset > 0 {
			params.Set("page[offset]", fmt.Sprint(expr.Page.Offset))
		}
		if expr.Page.Limit > 0 {
			params.Set("page[limit]", fmt.Sprint(expr.Page.Limit))
		}
	}

	return params
}

func appendParams(u string, params url.Values) string {
	if len(params) == 0 {
		return u
	}

	return u + "?" + params.Encode()
}
