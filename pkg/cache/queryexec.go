package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
)

// Query evaluates a structured query against the cache. Single
// expression queries answer with the expression's data; multi
// expression queries answer with a positionally aligned []any.
func (c *Cache) Query(ctx context.Context, input any, options ...record.Options) (any, error) {
	q, err := query.Build(input, options...)
	if err != nil {
		return nil, err
	}

	return c.Evaluate(ctx, q)
}

// Evaluate answers an already normalized query.
func (c *Cache) Evaluate(ctx context.Context, q query.Query) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]any, 0, len(q.Expressions))
	for _, expr := range q.Expressions {
		data, err := c.evaluateExpression(expr)
		if err != nil {
			return nil, err
		}
		results = append(results, data)
	}

	if len(results) == 1 {
		return results[0], nil
	}

	return results, nil
}

func (c *Cache) evaluateExpression(expr query.Expression) (any, error) {
	switch expr.Kind {
	case query.FindRecord:
		r, ok := c.getRecord(*expr.Record)
		if !ok {
			return nil, errors.NewRecordNotFound(expr.Record.Type, expr.Record.ID)
		}
		return r.Clone(), nil

	case query.FindRecords:
		records, err := c.collectRecords(expr)
		if err != nil {
			return nil, err
		}
		return c.refine(records, expr)

	case query.FindRelatedRecord:
		r, ok := c.getRecord(*expr.Record)
		if !ok {
			return nil, errors.NewRecordNotFound(expr.Record.Type, expr.Record.ID)
		}

		rel, declared := r.Relationships[expr.Relationship]
		if !declared {
			return nil, nil
		}

		target := rel.RelatedRecord()
		if target == nil {
			return nil, nil
		}

		related, ok := c.getRecord(*target)
		if !ok {
			return nil, errors.NewRelatedRecordNotFound(expr.Record.Type, expr.Record.ID, expr.Relationship)
		}

		return related.Clone(), nil

	case query.FindRelatedRecords:
		r, ok := c.getRecord(*expr.Record)
		if !ok {
			return nil, errors.NewRecordNotFound(expr.Record.Type, expr.Record.ID)
		}

		rel, declared := r.Relationships[expr.Relationship]
		if !declared {
			return []record.Record{}, nil
		}

		records := make([]record.Record, 0, len(rel.Data))
		for _, identity := range rel.Data {
			if related, ok := c.getRecord(identity); ok {
				records = append(records, related)
			}
		}

		return c.refine(records, expr)
	}

	return nil, errors.NewQueryExpressionParseError("unknown query expression " + string(expr.Kind))
}

// collectRecords enumerates the base collection of a findRecords
// expression: all records of a type in insertion order, or the
// explicitly listed identities (missing ones silently skipped).
func (c *Cache) collectRecords(expr query.Expression) ([]record.Record, error) {
	if expr.Records != nil {
		records := make([]record.Record, 0, len(expr.Records))
		for _, identity := range expr.Records {
			if r, ok := c.getRecord(identity); ok {
				records = append(records, r)
			}
		}
		return records, nil
	}

	bucket, ok := c.records[expr.Type]
	if !ok {
		if c.schema != nil && !c.schema.HasModel(expr.Type) {
			return nil, errors.NewModelNotDefined(expr.Type)
		}
		return []record.Record{}, nil
	}

	records := make([]record.Record, 0, len(bucket.order))
	for _, id := range bucket.order {
		records = append(records, bucket.byID[id])
	}

	return records, nil
}

// refine applies filter, then sort, then page, in that order, and
// clones the survivors.
func (c *Cache) refine(records []record.Record, expr query.Expression) ([]record.Record, error) {
	filtered := make([]record.Record, 0, len(records))
	for _, r := range records {
		match, err := c.matchesFilters(r, expr.Filters)
		if err != nil {
			return nil, err
		}
		if match {
			filtered = append(filtered, r)
		}
	}

	if len(expr.Sort) > 0 {
		sortRecords(filtered, expr.Sort)
	}

	if expr.Page != nil {
		filtered = pageRecords(filtered, *expr.Page)
	}

	out := make([]record.Record, 0, len(filtered))
	for _, r := range filtered {
		out = append(out, r.Clone())
	}

	return out, nil
}

// matchesFilters evaluates the conjunction of all filter clauses.
func (c *Cache) matchesFilters(r record.Record, filters []query.Filter) (bool, error) {
	for _, f := range filters {
		match, err := matchesFilter(r, f)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}

	return true, nil
}

func matchesFilter(r record.Record, f query.Filter) (bool, error) {
	switch f.Kind {
	case query.AttributeFilter:
		return matchesAttributeFilter(r, f)
	case query.RelatedRecordFilter:
		return matchesRelatedRecordFilter(r, f), nil
	case query.RelatedRecordsFilter:
		return matchesRelatedRecordsFilter(r, f)
	}

	return false, errors.NewQueryExpressionParseError("unknown filter kind " + string(f.Kind))
}

func matchesAttributeFilter(r record.Record, f query.Filter) (bool, error) {
	value, ok := attributeValue(r, f.Attribute)

	switch f.Op {
	case query.OpEqual:
		return ok && valuesEqual(value, f.Value), nil
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if !ok {
			return false, nil
		}

		left, leftOK := asNumber(value)
		right, rightOK := asNumber(f.Value)
		if !leftOK || !rightOK {
			// non numeric comparison has no defined result
			return false, nil
		}

		switch f.Op {
		case query.OpGt:
			return left > right, nil
		case query.OpGte:
			return left >= right, nil
		case query.OpLt:
			return left < right, nil
		default:
			return left <= right, nil
		}
	}

	return false, errors.NewQueryExpressionParseError("unsupported attribute filter op " + string(f.Op))
}

func matchesRelatedRecordFilter(r record.Record, f query.Filter) bool {
	var current *record.Identity
	if rel, ok := r.Relationships[f.Relation]; ok {
		current = rel.RelatedRecord()
	}

	if f.Null || len(f.Records) == 0 {
		return current == nil
	}

	if current == nil {
		return false
	}

	return containsIdentity(f.Records, *current)
}

func matchesRelatedRecordsFilter(r record.Record, f query.Filter) (bool, error) {
	var related []record.Identity
	if rel, ok := r.Relationships[f.Relation]; ok {
		related = rel.Data
	}

	intersection := 0
	for _, identity := range f.Records {
		if containsIdentity(related, identity) {
			intersection++
		}
	}

	switch f.Op {
	case query.OpEqual:
		return len(related) == len(f.Records) && intersection == len(f.Records), nil
	case query.OpAll:
		return intersection == len(f.Records), nil
	case query.OpSome:
		return intersection > 0, nil
	case query.OpNone:
		return intersection == 0, nil
	}

	return false, errors.NewQueryExpressionParseError("unsupported relatedRecords filter op " + string(f.Op))
}

// sortRecords orders by the specifiers lexicographically. Records
// lacking a sort attribute order after those that have it, regardless
// of direction; remaining ties keep insertion order.
func sortRecords(records []record.Record, specifiers []query.SortSpecifier) {
	sort.SliceStable(records, func(i, j int) bool {
		for _, spec := range specifiers {
			left, leftOK := attributeValue(records[i], spec.Attribute)
			right, rightOK := attributeValue(records[j], spec.Attribute)

			if !leftOK && !rightOK {
				continue
			}
			if !leftOK {
				return false
			}
			if !rightOK {
				return true
			}

			cmp := compareValues(left, right)
			if cmp == 0 {
				continue
			}

			if spec.Order == query.Descending {
				return cmp > 0
			}
			return cmp < 0
		}

		return false
	})
}

func pageRecords(records []record.Record, page query.Page) []record.Record {
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []record.Record{}
	}

	records = records[offset:]

	if page.Limit > 0 && page.Limit < len(records) {
		records = records[:page.Limit]
	}

	return records
}

func attributeValue(r record.Record, attribute string) (any, bool) {
	if r.Attributes == nil {
		return nil, false
	}

	value, ok := r.Attributes[attribute]
	return value, ok
}

func valuesEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}

	return a == b
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}

	return 0, false
}

func compareValues(a, b any) int {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}

	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
