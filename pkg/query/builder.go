package query

import (
	"strings"

	"github.com/diwise/record-broker/pkg/record"
)

// Builder exposes the fluent query surface. The zero value is usable.
type Builder struct{}

func (b *Builder) FindRecord(identity record.Identity) *FindRecordTerm {
	return &FindRecordTerm{expr: Expression{Kind: FindRecord, Record: &identity}}
}

func (b *Builder) FindRecords(recordType string) *FindRecordsTerm {
	return &FindRecordsTerm{expr: Expression{Kind: FindRecords, Type: recordType}}
}

// FindRecordsByIdentity enumerates explicit identities instead of a
// whole type; identities that do not exist are silently skipped.
func (b *Builder) FindRecordsByIdentity(identities ...record.Identity) *FindRecordsTerm {
	return &FindRecordsTerm{expr: Expression{Kind: FindRecords, Records: identities}}
}

func (b *Builder) FindRelatedRecord(identity record.Identity, relationship string) *FindRelatedRecordTerm {
	return &FindRelatedRecordTerm{expr: Expression{Kind: FindRelatedRecord, Record: &identity, Relationship: relationship}}
}

func (b *Builder) FindRelatedRecords(identity record.Identity, relationship string) *FindRecordsTerm {
	return &FindRecordsTerm{expr: Expression{Kind: FindRelatedRecords, Record: &identity, Relationship: relationship}}
}

type FindRecordTerm struct {
	expr Expression
}

func (t *FindRecordTerm) Expression() Expression {
	return t.expr
}

// FindRecordsTerm covers both findRecords and findRelatedRecords,
// which share the filter/sort/page modifiers.
type FindRecordsTerm struct {
	expr Expression
}

func (t *FindRecordsTerm) Expression() Expression {
	return t.expr
}

// FilterAttribute adds an attribute filter clause.
func (t *FindRecordsTerm) FilterAttribute(attribute string, op CompOp, value any) *FindRecordsTerm {
	t.expr.Filters = append(t.expr.Filters, Filter{
		Kind:      AttributeFilter,
		Op:        op,
		Attribute: attribute,
		Value:     value,
	})
	return t
}

// FilterRelatedRecord matches records whose to-one relation links any
// of the given identities.
func (t *FindRecordsTerm) FilterRelatedRecord(relation string, identities ...record.Identity) *FindRecordsTerm {
	t.expr.Filters = append(t.expr.Filters, Filter{
		Kind:     RelatedRecordFilter,
		Op:       OpEqual,
		Relation: relation,
		Records:  identities,
	})
	return t
}

// FilterRelatedRecordNull matches records whose to-one relation is
// explicitly null or missing.
func (t *FindRecordsTerm) FilterRelatedRecordNull(relation string) *FindRecordsTerm {
	t.expr.Filters = append(t.expr.Filters, Filter{
		Kind:     RelatedRecordFilter,
		Op:       OpEqual,
		Relation: relation,
		Null:     true,
	})
	return t
}

// FilterRelatedRecords adds a set filter over a to-many relation with
// one of the equal/all/some/none operators.
func (t *FindRecordsTerm) FilterRelatedRecords(relation string, op CompOp, identities ...record.Identity) *FindRecordsTerm {
	t.expr.Filters = append(t.expr.Filters, Filter{
		Kind:     RelatedRecordsFilter,
		Op:       op,
		Relation: relation,
		Records:  identities,
	})
	return t
}

// Sort appends sort keys given as attribute names, prefixed with "-"
// for descending order.
func (t *FindRecordsTerm) Sort(specifiers ...string) *FindRecordsTerm {
	for _, s := range specifiers {
		spec := SortSpecifier{Attribute: s, Order: Ascending}
		if strings.HasPrefix(s, "-") {
			spec.Attribute = strings.TrimPrefix(s, "-")
			spec.Order = Descending
		}
		t.expr.Sort = append(t.expr.Sort, spec)
	}
	return t
}

func (t *FindRecordsTerm) Page(offset, limit int) *FindRecordsTerm {
	t.expr.Page = &Page{Offset: offset, Limit: limit}
	return t
}

type FindRelatedRecordTerm struct {
	expr Expression
}

func (t *FindRelatedRecordTerm) Expression() Expression {
	return t.expr
}
