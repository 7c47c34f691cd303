package schema

import (
	goerrors "errors"
	"testing"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/matryer/is"
)

func testModels() map[string]ModelDef {
	return map[string]ModelDef{
		"planet": {
			Attributes: map[string]AttributeDef{"name": {Type: "string"}},
			Keys:       map[string]KeyDef{"remoteId": {}},
			Relationships: map[string]RelationshipDef{
				"moons": {Kind: HasMany, Types: []string{"moon"}, Inverse: "planet"},
			},
		},
	}
}

func TestModelLookup(t *testing.T) {
	is := is.New(t)
	s := New(WithModels(testModels()))

	model, err := s.Model("planet")
	is.NoErr(err)
	is.Equal(model.Relationships["moons"].Kind, HasMany)

	_, err = s.Model("asteroid")
	is.True(goerrors.Is(err, errors.ErrModelNotDefined))
}

func TestAttributeAndRelationshipLookup(t *testing.T) {
	is := is.New(t)
	s := New(WithModels(testModels()))

	attr, err := s.Attribute("planet", "name")
	is.NoErr(err)
	is.Equal(attr.Type, "string")

	_, err = s.Attribute("planet", "mass")
	is.True(goerrors.Is(err, errors.ErrSchema))

	rel, err := s.Relationship("planet", "moons")
	is.NoErr(err)
	is.Equal(rel.Inverse, "planet")

	_, err = s.Relationship("planet", "rings")
	is.True(goerrors.Is(err, errors.ErrSchema))

	is.True(s.HasKey("planet", "remoteId"))
	is.True(!s.HasKey("planet", "slug"))
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	is := is.New(t)
	s := New(WithModels(testModels()))

	first := s.GenerateID("planet")
	second := s.GenerateID("planet")

	is.True(first != "")
	is.True(first != second)
}

func TestIDGeneratorIsInjectable(t *testing.T) {
	is := is.New(t)

	calls := 0
	s := New(WithModels(testModels()), WithIDGenerator(func() string {
		calls++
		return "fixed"
	}))

	is.Equal(s.GenerateID("planet"), "fixed")
	is.Equal(calls, 1)
}

func TestUpgradeBumpsVersionAndNotifies(t *testing.T) {
	is := is.New(t)
	s := New(WithModels(testModels()))
	is.Equal(s.Version(), 1)

	notified := 0
	off := s.OnUpgrade(func() {
		notified++
	})

	models := testModels()
	models["moon"] = ModelDef{}
	s.Upgrade(models)

	is.Equal(s.Version(), 2)
	is.Equal(notified, 1)
	is.True(s.HasModel("moon"))

	off()
	s.Upgrade(models)
	is.Equal(notified, 1)
}
