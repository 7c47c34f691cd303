package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const MediaType = "application/vnd.api+json"

type ResourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RelationshipData is the data member of a resource relationship:
// either a single identifier, null, or an ordered array.
type RelationshipData struct {
	Many bool
	One  *ResourceIdentifier
	List []ResourceIdentifier
}

func (rd RelationshipData) MarshalJSON() ([]byte, error) {
	if rd.Many {
		if rd.List == nil {
			return json.Marshal([]ResourceIdentifier{})
		}
		return json.Marshal(rd.List)
	}

	if rd.One == nil {
		return []byte("null"), nil
	}

	return json.Marshal(rd.One)
}

func (rd *RelationshipData) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	if bytes.Equal(trimmed, []byte("null")) {
		*rd = RelationshipData{}
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		list := []ResourceIdentifier{}
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*rd = RelationshipData{Many: true, List: list}
		return nil
	}

	one := ResourceIdentifier{}
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*rd = RelationshipData{One: &one}

	return nil
}

type ResourceRelationship struct {
	Data RelationshipData `json:"data"`
}

type Resource struct {
	Type          string                          `json:"type"`
	ID            string                          `json:"id,omitempty"`
	Attributes    map[string]any                  `json:"attributes,omitempty"`
	Relationships map[string]ResourceRelationship `json:"relationships,omitempty"`
	Meta          map[string]any                  `json:"meta,omitempty"`
	Links         map[string]string               `json:"links,omitempty"`
}

// PrimaryData is the top level data member of a document: a single
// resource, null, or an array of resources.
type PrimaryData struct {
	Many bool
	One  *Resource
	List []Resource
}

func (pd PrimaryData) MarshalJSON() ([]byte, error) {
	if pd.Many {
		if pd.List == nil {
			return json.Marshal([]Resource{})
		}
		return json.Marshal(pd.List)
	}

	if pd.One == nil {
		return []byte("null"), nil
	}

	return json.Marshal(pd.One)
}

func (pd *PrimaryData) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	if bytes.Equal(trimmed, []byte("null")) {
		*pd = PrimaryData{}
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		list := []Resource{}
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*pd = PrimaryData{Many: true, List: list}
		return nil
	}

	one := Resource{}
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*pd = PrimaryData{One: &one}

	return nil
}

// Document is a JSON:API top level document.
type Document struct {
	Data     PrimaryData    `json:"data"`
	Included []Resource     `json:"included,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Errors   []ErrorObject  `json:"errors,omitempty"`
}

type ErrorObject struct {
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func NewDocumentFromJSON(body []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}

func (d Document) Bytes() []byte {
	b, _ := json.Marshal(d)
	return b
}
