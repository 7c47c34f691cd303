package jsonapi

import (
	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
)

// Serializer converts between the internal record shape and JSON:API
// resources. Implementations own the id translation policy.
type Serializer interface {
	Serialize(r record.Record) Resource
	Deserialize(res Resource) (record.Record, error)
}

type recordSerializer struct {
	schema  *schema.Schema
	keyMap  *keymap.KeyMap
	keyName string
}

type SerializerOption func(*recordSerializer)

// WithRemoteKey makes the serializer translate ids: the wire id is the
// named key of the record, local ids never leave the process. Records
// arriving with unknown remote ids are assigned a fresh local id
// minted by the schema and registered with the key map.
func WithRemoteKey(keyName string) SerializerOption {
	return func(s *recordSerializer) {
		s.keyName = keyName
	}
}

func NewSerializer(sc *schema.Schema, km *keymap.KeyMap, options ...SerializerOption) Serializer {
	s := &recordSerializer{
		schema: sc,
		keyMap: km,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *recordSerializer) Serialize(r record.Record) Resource {
	res := Resource{
		Type: r.Type,
		ID:   s.wireID(r.Identity),
	}

	if len(r.Attributes) > 0 {
		res.Attributes = map[string]any{}
		for name, value := range r.Attributes {
			res.Attributes[name] = value
		}
	}

	if len(r.Relationships) > 0 {
		res.Relationships = map[string]ResourceRelationship{}
		for _, name := range r.RelationshipNames() {
			rel := r.Relationships[name]

			data := RelationshipData{Many: rel.Many}
			if rel.Many {
				data.List = make([]ResourceIdentifier, 0, len(rel.Data))
				for _, identity := range rel.Data {
					data.List = append(data.List, ResourceIdentifier{Type: identity.Type, ID: s.wireID(identity)})
				}
			} else if target := rel.RelatedRecord(); target != nil {
				data.One = &ResourceIdentifier{Type: target.Type, ID: s.wireID(*target)}
			}

			res.Relationships[name] = ResourceRelationship{Data: data}
		}
	}

	return res
}

func (s *recordSerializer) Deserialize(res Resource) (record.Record, error) {
	if res.Type == "" {
		return record.Record{}, errors.NewOperationNotAllowed("resource is missing a type")
	}

	if s.schema != nil && !s.schema.HasModel(res.Type) {
		return record.Record{}, errors.NewModelNotDefined(res.Type)
	}

	identity, keys := s.localIdentity(res.Type, res.ID)

	r := record.Record{Identity: identity, Keys: keys}

	if len(res.Attributes) > 0 {
		r.Attributes = map[string]any{}
		for name, value := range res.Attributes {
			r.Attributes[name] = value
		}
	}

	if len(res.Relationships) > 0 {
		r.Relationships = map[string]record.Relationship{}
		for name, rel := range res.Relationships {
			converted := record.Relationship{Many: rel.Data.Many}

			if rel.Data.Many {
				converted.Data = make([]record.Identity, 0, len(rel.Data.List))
				for _, identifier := range rel.Data.List {
					target, _ := s.localIdentity(identifier.Type, identifier.ID)
					converted.Data = append(converted.Data, target)
				}
			} else if rel.Data.One != nil {
				target, _ := s.localIdentity(rel.Data.One.Type, rel.Data.One.ID)
				converted.Data = []record.Identity{target}
			}

			r.Relationships[name] = converted
		}
	}

	if s.keyMap != nil && len(r.Keys) > 0 {
		s.keyMap.PushRecord(r)
	}

	return r, nil
}

// wireID picks the id that goes on the wire: the record's remote key
// when id translation is on, the local id otherwise.
func (s *recordSerializer) wireID(identity record.Identity) string {
	if s.keyName == "" {
		return identity.ID
	}

	if s.keyMap != nil {
		if key := s.keyMap.IDToKey(identity.Type, s.keyName, identity.ID); key != "" {
			return key
		}
	}

	return ""
}

// localIdentity resolves a wire id to the local identity, minting a
// fresh local id for remote ids seen for the first time.
func (s *recordSerializer) localIdentity(resourceType, wireID string) (record.Identity, map[string]string) {
	if s.keyName == "" {
		return record.Identity{Type: resourceType, ID: wireID}, nil
	}

	keys := map[string]string{s.keyName: wireID}

	if wireID == "" {
		return record.Identity{Type: resourceType}, nil
	}

	var localID string
	if s.keyMap != nil {
		localID = s.keyMap.IDFromKeys(resourceType, keys)
	}

	if localID == "" && s.schema != nil {
		localID = s.schema.GenerateID(resourceType)
	}

	identity := record.Identity{Type: resourceType, ID: localID}

	if s.keyMap != nil {
		s.keyMap.PushRecord(record.Record{Identity: identity, Keys: keys})
	}

	return identity, keys
}
