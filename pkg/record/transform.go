package record

import (
	"github.com/diwise/record-broker/pkg/errors"
	"github.com/google/uuid"
)

// Options carries per request settings through the source pipelines.
type Options struct {
	FullResponse   bool           `json:"fullResponse,omitempty"`
	IncludeDetails bool           `json:"includeDetails,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Transform groups atomic operations under one identity. Operations of
// a transform are applied as a unit; the transform log records the id.
type Transform struct {
	ID         string      `json:"id"`
	Operations []Operation `json:"operations"`
	Options    Options     `json:"options,omitempty"`
}

// TransformBuilder constructs operations fluently. The zero value is
// usable; builders hold no state beyond convenience.
type TransformBuilder struct{}

func (b *TransformBuilder) AddRecord(r Record) Operation {
	return Operation{Op: AddRecord, Record: r}
}

func (b *TransformBuilder) UpdateRecord(r Record) Operation {
	return Operation{Op: UpdateRecord, Record: r}
}

func (b *TransformBuilder) RemoveRecord(identity Identity) Operation {
	return Operation{Op: RemoveRecord, Record: Record{Identity: identity}}
}

func (b *TransformBuilder) ReplaceKey(identity Identity, key, value string) Operation {
	return Operation{Op: ReplaceKey, Record: Record{Identity: identity}, Key: key, Value: value}
}

func (b *TransformBuilder) ReplaceAttribute(identity Identity, attribute string, value any) Operation {
	return Operation{Op: ReplaceAttribute, Record: Record{Identity: identity}, Attribute: attribute, Value: value}
}

func (b *TransformBuilder) AddToRelatedRecords(identity Identity, relationship string, related Identity) Operation {
	return Operation{Op: AddToRelatedRecords, Record: Record{Identity: identity}, Relationship: relationship, RelatedRecord: &related}
}

func (b *TransformBuilder) RemoveFromRelatedRecords(identity Identity, relationship string, related Identity) Operation {
	return Operation{Op: RemoveFromRelatedRecords, Record: Record{Identity: identity}, Relationship: relationship, RelatedRecord: &related}
}

func (b *TransformBuilder) ReplaceRelatedRecords(identity Identity, relationship string, related []Identity) Operation {
	return Operation{Op: ReplaceRelatedRecords, Record: Record{Identity: identity}, Relationship: relationship, RelatedRecords: related}
}

func (b *TransformBuilder) ReplaceRelatedRecord(identity Identity, relationship string, related *Identity) Operation {
	return Operation{Op: ReplaceRelatedRecord, Record: Record{Identity: identity}, Relationship: relationship, RelatedRecord: related}
}

// TransformBuilderFunc lets callers express a transform as a function
// over a builder.
type TransformBuilderFunc func(b *TransformBuilder) []Operation

// BuildTransform normalizes its input into a canonical transform. It
// accepts an Operation, a []Operation, a Transform (returned unchanged
// when it already carries an id and no option overrides are given), or
// a TransformBuilderFunc. A fresh id is minted when absent.
func BuildTransform(input any, options ...Options) (Transform, error) {
	var t Transform

	switch v := input.(type) {
	case Transform:
		t = v
		if t.ID != "" && len(options) == 0 {
			return t, nil
		}
	case Operation:
		t.Operations = []Operation{v}
	case []Operation:
		t.Operations = v
	case TransformBuilderFunc:
		t.Operations = v(&TransformBuilder{})
	case func(b *TransformBuilder) []Operation:
		t.Operations = v(&TransformBuilder{})
	default:
		return Transform{}, errors.NewTransformNotAllowed("unsupported transform input")
	}

	if len(options) > 0 {
		t.Options = options[0]
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	for _, op := range t.Operations {
		if err := op.Validate(); err != nil {
			return Transform{}, err
		}
	}

	return t, nil
}
