package schema

import (
	"sync"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/google/uuid"
)

type RelationshipKind string

const (
	HasOne  RelationshipKind = "hasOne"
	HasMany RelationshipKind = "hasMany"
)

type AttributeDef struct {
	Type string `yaml:"type" json:"type"`
}

type KeyDef struct{}

type RelationshipDef struct {
	Kind    RelationshipKind `yaml:"kind" json:"kind"`
	Types   []string         `yaml:"types" json:"types"`
	Inverse string           `yaml:"inverse,omitempty" json:"inverse,omitempty"`
}

type ModelDef struct {
	Attributes    map[string]AttributeDef    `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Keys          map[string]KeyDef          `yaml:"keys,omitempty" json:"keys,omitempty"`
	Relationships map[string]RelationshipDef `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

// Schema declares the models a source understands. A schema is
// immutable per version; Upgrade swaps the model set, bumps the
// version and notifies registered listeners.
type Schema struct {
	mu         sync.RWMutex
	models     map[string]ModelDef
	version    int
	generateID func() string
	listeners  []func()
}

type Option func(*Schema)

func WithModels(models map[string]ModelDef) Option {
	return func(s *Schema) {
		s.models = models
	}
}

// WithIDGenerator overrides the uuid generator, so that tests can mint
// deterministic ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Schema) {
		s.generateID = gen
	}
}

func WithVersion(version int) Option {
	return func(s *Schema) {
		s.version = version
	}
}

func New(options ...Option) *Schema {
	s := &Schema{
		models:     map[string]ModelDef{},
		version:    1,
		generateID: uuid.NewString,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *Schema) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// GenerateID mints a fresh local id for a record of the given type.
func (s *Schema) GenerateID(recordType string) string {
	return s.generateID()
}

func (s *Schema) Model(recordType string) (ModelDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	model, ok := s.models[recordType]
	if !ok {
		return ModelDef{}, errors.NewModelNotDefined(recordType)
	}

	return model, nil
}

func (s *Schema) HasModel(recordType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.models[recordType]
	return ok
}

// Types returns the declared model names.
func (s *Schema) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.models))
	for t := range s.models {
		types = append(types, t)
	}
	return types
}

func (s *Schema) Attribute(recordType, attribute string) (AttributeDef, error) {
	model, err := s.Model(recordType)
	if err != nil {
		return AttributeDef{}, err
	}

	def, ok := model.Attributes[attribute]
	if !ok {
		return AttributeDef{}, errors.NewSchemaError("attribute " + attribute + " is not defined for model " + recordType)
	}

	return def, nil
}

func (s *Schema) Relationship(recordType, relationship string) (RelationshipDef, error) {
	model, err := s.Model(recordType)
	if err != nil {
		return RelationshipDef{}, err
	}

	def, ok := model.Relationships[relationship]
	if !ok {
		return RelationshipDef{}, errors.NewSchemaError("relationship " + relationship + " is not defined for model " + recordType)
	}

	return def, nil
}

func (s *Schema) HasKey(recordType, key string) bool {
	model, err := s.Model(recordType)
	if err != nil {
		return false
	}

	_, ok := model.Keys[key]
	return ok
}

// OnUpgrade registers a listener to be invoked after each upgrade.
// The returned function removes the registration.
func (s *Schema) OnUpgrade(listener func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, listener)
	idx := len(s.listeners) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}

// Upgrade replaces the declared models and notifies listeners.
func (s *Schema) Upgrade(models map[string]ModelDef) {
	s.mu.Lock()
	s.models = models
	s.version++
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	for _, listener := range listeners {
		if listener != nil {
			listener()
		}
	}
}
