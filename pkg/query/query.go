package query

import (
	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/google/uuid"
)

// ExprKind tags one of the four query expression kinds.
type ExprKind string

const (
	FindRecord         ExprKind = "findRecord"
	FindRecords        ExprKind = "findRecords"
	FindRelatedRecord  ExprKind = "findRelatedRecord"
	FindRelatedRecords ExprKind = "findRelatedRecords"
)

type FilterKind string

const (
	AttributeFilter      FilterKind = "attribute"
	RelatedRecordFilter  FilterKind = "relatedRecord"
	RelatedRecordsFilter FilterKind = "relatedRecords"
)

type CompOp string

const (
	OpEqual CompOp = "equal"
	OpGt    CompOp = "gt"
	OpGte   CompOp = "gte"
	OpLt    CompOp = "lt"
	OpLte   CompOp = "lte"
	OpAll   CompOp = "all"
	OpSome  CompOp = "some"
	OpNone  CompOp = "none"
)

// Filter narrows a collection expression. Kind selects which of the
// variant fields apply; multiple filters on one expression are
// conjunctive.
type Filter struct {
	Kind      FilterKind        `json:"kind"`
	Op        CompOp            `json:"op"`
	Attribute string            `json:"attribute,omitempty"`
	Value     any               `json:"value,omitempty"`
	Relation  string            `json:"relation,omitempty"`
	Records   []record.Identity `json:"records,omitempty"`
	Null      bool              `json:"null,omitempty"`
}

type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

type SortSpecifier struct {
	Attribute string    `json:"attribute"`
	Order     SortOrder `json:"order"`
}

type Page struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"` // 0 means unlimited
}

// Expression is one declarative read request from the closed set.
type Expression struct {
	Kind         ExprKind          `json:"kind"`
	Record       *record.Identity  `json:"record,omitempty"`
	Records      []record.Identity `json:"records,omitempty"`
	Type         string            `json:"type,omitempty"`
	Relationship string            `json:"relationship,omitempty"`
	Filters      []Filter          `json:"filters,omitempty"`
	Sort         []SortSpecifier   `json:"sort,omitempty"`
	Page         *Page             `json:"page,omitempty"`
}

func (e Expression) Validate() error {
	switch e.Kind {
	case FindRecord:
		if e.Record == nil {
			return errors.NewQueryExpressionParseError("findRecord requires a record identity")
		}
	case FindRecords:
		if e.Type == "" && e.Records == nil {
			return errors.NewQueryExpressionParseError("findRecords requires a type or a list of identities")
		}
	case FindRelatedRecord, FindRelatedRecords:
		if e.Record == nil || e.Relationship == "" {
			return errors.NewQueryExpressionParseError(string(e.Kind) + " requires a record identity and a relationship")
		}
	default:
		return errors.NewQueryExpressionParseError("unknown query expression " + string(e.Kind))
	}

	return nil
}

// Query carries an id, one or more expressions and per request options.
// Multi expression queries answer with a positionally aligned slice.
type Query struct {
	ID          string         `json:"id"`
	Expressions []Expression   `json:"expressions"`
	Options     record.Options `json:"options,omitempty"`
}

// Term is anything that can resolve to a query expression; the builder
// terms implement it.
type Term interface {
	Expression() Expression
}

// BuilderFunc lets callers express a query as a function over a
// builder.
type BuilderFunc func(b *Builder) Term

// Build normalizes its input into a canonical query. It accepts an
// Expression, a Term, a slice of either, a Query (returned unchanged
// when it already carries an id and no option overrides are given), or
// a BuilderFunc. A fresh id is minted when absent.
func Build(input any, options ...record.Options) (Query, error) {
	var q Query

	switch v := input.(type) {
	case Query:
		q = v
		if q.ID != "" && len(options) == 0 {
			return q, nil
		}
	case Expression:
		q.Expressions = []Expression{v}
	case []Expression:
		q.Expressions = v
	case Term:
		q.Expressions = []Expression{v.Expression()}
	case []Term:
		for _, term := range v {
			q.Expressions = append(q.Expressions, term.Expression())
		}
	case BuilderFunc:
		q.Expressions = []Expression{v(&Builder{}).Expression()}
	case func(b *Builder) Term:
		q.Expressions = []Expression{v(&Builder{}).Expression()}
	default:
		return Query{}, errors.NewQueryExpressionParseError("unsupported query input")
	}

	if len(options) > 0 {
		q.Options = options[0]
	}

	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	for _, expr := range q.Expressions {
		if err := expr.Validate(); err != nil {
			return Query{}, err
		}
	}

	return q, nil
}
