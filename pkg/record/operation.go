package record

import (
	"github.com/diwise/record-broker/pkg/errors"
)

// Kind tags one of the nine atomic operations that make up every
// transform. The set is closed: processors switch on the tag.
type Kind string

const (
	AddRecord                Kind = "addRecord"
	UpdateRecord             Kind = "updateRecord"
	RemoveRecord             Kind = "removeRecord"
	ReplaceKey               Kind = "replaceKey"
	ReplaceAttribute         Kind = "replaceAttribute"
	AddToRelatedRecords      Kind = "addToRelatedRecords"
	RemoveFromRelatedRecords Kind = "removeFromRelatedRecords"
	ReplaceRelatedRecords    Kind = "replaceRelatedRecords"
	ReplaceRelatedRecord     Kind = "replaceRelatedRecord"
)

// Operation is a self describing tagged value. Which of the optional
// fields are meaningful depends on Op.
type Operation struct {
	Op             Kind       `json:"op"`
	Record         Record     `json:"record"`
	Attribute      string     `json:"attribute,omitempty"`
	Key            string     `json:"key,omitempty"`
	Value          any        `json:"value,omitempty"`
	Relationship   string     `json:"relationship,omitempty"`
	RelatedRecord  *Identity  `json:"relatedRecord,omitempty"`
	RelatedRecords []Identity `json:"relatedRecords,omitempty"`
}

func (op Operation) Validate() error {
	switch op.Op {
	case AddRecord, UpdateRecord, RemoveRecord:
	case ReplaceKey:
		if op.Key == "" {
			return errors.NewOperationNotAllowed("replaceKey requires a key name")
		}
	case ReplaceAttribute:
		if op.Attribute == "" {
			return errors.NewOperationNotAllowed("replaceAttribute requires an attribute name")
		}
	case AddToRelatedRecords, RemoveFromRelatedRecords:
		if op.Relationship == "" || op.RelatedRecord == nil {
			return errors.NewOperationNotAllowed(string(op.Op) + " requires a relationship and a related record")
		}
	case ReplaceRelatedRecords:
		if op.Relationship == "" {
			return errors.NewOperationNotAllowed("replaceRelatedRecords requires a relationship")
		}
	case ReplaceRelatedRecord:
		if op.Relationship == "" {
			return errors.NewOperationNotAllowed("replaceRelatedRecord requires a relationship")
		}
	default:
		return errors.NewOperationNotAllowed("unknown operation " + string(op.Op))
	}

	if err := op.Record.Validate(); err != nil {
		return errors.NewOperationNotAllowed(err.Error())
	}

	return nil
}
