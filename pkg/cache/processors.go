package cache

import (
	"sort"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
)

// apply maps one operation onto the store: it validates, mutates,
// synthesizes mirror operations for schema declared inverse relations
// and computes the inverse of everything it touched. The forward
// operation precedes its mirrors in the returned pairs, except for
// removeRecord, whose cascade detaches come before the removal.
// Callers hold c.mu.
func (c *Cache) apply(op record.Operation) (any, []opPair, error) {
	if c.schema != nil && !c.schema.HasModel(op.Record.Type) {
		return nil, nil, errors.NewModelNotDefined(op.Record.Type)
	}

	switch op.Op {
	case record.AddRecord:
		return c.applyAddRecord(op)
	case record.UpdateRecord:
		return c.applyUpdateRecord(op)
	case record.RemoveRecord:
		return c.applyRemoveRecord(op)
	case record.ReplaceKey:
		return c.applyReplaceKey(op)
	case record.ReplaceAttribute:
		return c.applyReplaceAttribute(op)
	case record.AddToRelatedRecords:
		return c.applyAddToRelatedRecords(op)
	case record.RemoveFromRelatedRecords:
		return c.applyRemoveFromRelatedRecords(op)
	case record.ReplaceRelatedRecords:
		return c.applyReplaceRelatedRecords(op)
	case record.ReplaceRelatedRecord:
		return c.applyReplaceRelatedRecord(op)
	}

	return nil, nil, errors.NewOperationNotAllowed("unknown operation " + string(op.Op))
}

func (c *Cache) applyAddRecord(op record.Operation) (any, []opPair, error) {
	identity := op.Record.Identity

	if _, exists := c.getRecord(identity); exists {
		return nil, nil, errors.NewRecordAlreadyExists(identity.Type, identity.ID)
	}

	stored := op.Record.Clone()
	c.setRecord(stored)

	pairs := []opPair{{
		applied: op,
		inverse: record.Operation{Op: record.RemoveRecord, Record: record.Record{Identity: identity}},
	}}

	for _, name := range stored.RelationshipNames() {
		rel := stored.Relationships[name]
		def, err := c.relationshipDef(identity.Type, name)
		if err != nil {
			c.applyDirect(pairs[0].inverse)
			return nil, nil, err
		}
		if def.Inverse == "" {
			continue
		}

		for _, target := range rel.Data {
			mirrors, err := c.mirrorAdd(target, def.Inverse, identity)
			if err != nil {
				for i := len(pairs) - 1; i >= 0; i-- {
					c.applyDirect(pairs[i].inverse)
				}
				return nil, nil, err
			}
			pairs = append(pairs, mirrors...)
		}
	}

	return stored.Clone(), pairs, nil
}

func (c *Cache) applyUpdateRecord(op record.Operation) (any, []opPair, error) {
	identity := op.Record.Identity

	prior, exists := c.getRecord(identity)
	if !exists {
		// an update of an unknown record behaves as an add
		addOp := op
		addOp.Op = record.AddRecord
		return c.applyAddRecord(addOp)
	}

	// sections present on the update replace the stored sections
	// wholesale; relationships are replaced per declared entry
	next := prior.Clone()
	inverseRecord := record.Record{Identity: identity}

	if op.Record.Attributes != nil {
		inverseRecord.Attributes = cloneAnyMap(prior.Attributes)
		if inverseRecord.Attributes == nil {
			inverseRecord.Attributes = map[string]any{}
		}
		next.Attributes = cloneAnyMap(op.Record.Attributes)
	}

	if op.Record.Keys != nil {
		inverseRecord.Keys = cloneStringMap(prior.Keys)
		if inverseRecord.Keys == nil {
			inverseRecord.Keys = map[string]string{}
		}
		next.Keys = cloneStringMap(op.Record.Keys)
	}

	type relChange struct {
		name    string
		before  record.Relationship
		hadPrev bool
		after   record.Relationship
	}
	changes := []relChange{}

	if op.Record.Relationships != nil {
		if next.Relationships == nil {
			next.Relationships = map[string]record.Relationship{}
		}
		if inverseRecord.Relationships == nil {
			inverseRecord.Relationships = map[string]record.Relationship{}
		}

		for _, name := range op.Record.RelationshipNames() {
			after := op.Record.Relationships[name]
			before, had := prior.Relationships[name]

			inverseRecord.Relationships[name] = before
			next.Relationships[name] = record.Relationship{
				Many: after.Many,
				Data: append([]record.Identity{}, after.Data...),
			}

			changes = append(changes, relChange{name: name, before: before, hadPrev: had, after: after})
		}
	}

	c.setRecord(next)

	pairs := []opPair{{
		applied: op,
		inverse: record.Operation{Op: record.UpdateRecord, Record: inverseRecord},
	}}

	for _, change := range changes {
		def, err := c.relationshipDef(identity.Type, change.name)
		if err != nil {
			c.applyDirect(pairs[0].inverse)
			return nil, nil, err
		}
		if def.Inverse == "" {
			continue
		}

		added, removed := diffIdentities(change.before.Data, change.after.Data)

		for _, target := range removed {
			pairs = append(pairs, c.mirrorRemove(target, def.Inverse, identity)...)
		}
		for _, target := range added {
			mirrors, err := c.mirrorAdd(target, def.Inverse, identity)
			if err != nil {
				for i := len(pairs) - 1; i >= 0; i-- {
					c.applyDirect(pairs[i].inverse)
				}
				return nil, nil, err
			}
			pairs = append(pairs, mirrors...)
		}
	}

	updated, _ := c.getRecord(identity)
	return updated.Clone(), pairs, nil
}

func (c *Cache) applyRemoveRecord(op record.Operation) (any, []opPair, error) {
	identity := op.Record.Identity

	prior, exists := c.getRecord(identity)
	if !exists {
		// removing an unknown record is a no-op
		return nil, nil, nil
	}

	pairs := []opPair{}

	// cascade: every incoming edge is detached before the record goes
	for _, entry := range c.sortedBackEdges(identity) {
		other, ok := c.getRecord(entry.identity)
		if !ok {
			continue
		}

		rel, ok := other.Relationships[entry.relationship]
		if !ok {
			continue
		}

		if rel.Many {
			if !containsIdentity(rel.Data, identity) {
				continue
			}
			pairs = append(pairs, c.detachFromMany(entry.identity, entry.relationship, identity))
		} else {
			if rel.RelatedRecord() == nil || !rel.RelatedRecord().Equal(identity) {
				continue
			}
			pairs = append(pairs, c.detachFromOne(entry.identity, entry.relationship, identity))
		}
	}

	c.deleteRecord(identity)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.AddRecord, Record: prior.Clone()},
	})

	return prior.Clone(), pairs, nil
}

func (c *Cache) applyReplaceKey(op record.Operation) (any, []opPair, error) {
	r, pairs, err := c.targetRecord(op.Record.Identity)
	if err != nil {
		return nil, nil, err
	}

	prior := r.Keys[op.Key]

	next := r.Clone()
	if next.Keys == nil {
		next.Keys = map[string]string{}
	}

	value, _ := op.Value.(string)
	if value == "" {
		delete(next.Keys, op.Key)
	} else {
		next.Keys[op.Key] = value
	}
	if len(next.Keys) == 0 {
		next.Keys = nil
	}

	c.setRecord(next)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.ReplaceKey, Record: record.Record{Identity: r.Identity}, Key: op.Key, Value: prior},
	})

	return next.Clone(), pairs, nil
}

func (c *Cache) applyReplaceAttribute(op record.Operation) (any, []opPair, error) {
	r, pairs, err := c.targetRecord(op.Record.Identity)
	if err != nil {
		return nil, nil, err
	}

	var prior any
	if r.Attributes != nil {
		prior = r.Attributes[op.Attribute]
	}

	next := r.Clone()
	if next.Attributes == nil {
		next.Attributes = map[string]any{}
	}

	if op.Value == nil {
		delete(next.Attributes, op.Attribute)
	} else {
		next.Attributes[op.Attribute] = op.Value
	}
	if len(next.Attributes) == 0 {
		next.Attributes = nil
	}

	c.setRecord(next)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.ReplaceAttribute, Record: record.Record{Identity: r.Identity}, Attribute: op.Attribute, Value: prior},
	})

	return next.Clone(), pairs, nil
}

func (c *Cache) applyAddToRelatedRecords(op record.Operation) (any, []opPair, error) {
	def, err := c.requireMany(op.Record.Type, op.Relationship)
	if err != nil {
		return nil, nil, err
	}

	r, pairs, err := c.targetRecord(op.Record.Identity)
	if err != nil {
		return nil, nil, err
	}

	rel := r.Relationships[op.Relationship]
	if containsIdentity(rel.Data, *op.RelatedRecord) {
		return r.Clone(), pairs, nil
	}

	rel.Many = true
	rel.Data = append(append([]record.Identity{}, rel.Data...), *op.RelatedRecord)
	c.setRelationship(r.Identity, op.Relationship, rel)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.RemoveFromRelatedRecords, Record: record.Record{Identity: r.Identity}, Relationship: op.Relationship, RelatedRecord: op.RelatedRecord},
	})

	if def.Inverse != "" {
		mirrors, err := c.mirrorAdd(*op.RelatedRecord, def.Inverse, r.Identity)
		if err != nil {
			for i := len(pairs) - 1; i >= 0; i-- {
				c.applyDirect(pairs[i].inverse)
			}
			return nil, nil, err
		}
		pairs = append(pairs, mirrors...)
	}

	updated, _ := c.getRecord(r.Identity)
	return updated.Clone(), pairs, nil
}

func (c *Cache) applyRemoveFromRelatedRecords(op record.Operation) (any, []opPair, error) {
	def, err := c.requireMany(op.Record.Type, op.Relationship)
	if err != nil {
		return nil, nil, err
	}

	r, exists := c.getRecord(op.Record.Identity)
	if !exists {
		return nil, nil, errors.NewRecordNotFound(op.Record.Type, op.Record.ID)
	}

	rel := r.Relationships[op.Relationship]
	if !containsIdentity(rel.Data, *op.RelatedRecord) {
		return r.Clone(), nil, nil
	}

	pairs := []opPair{c.detachFromMany(r.Identity, op.Relationship, *op.RelatedRecord)}

	if def.Inverse != "" {
		pairs = append(pairs, c.mirrorRemove(*op.RelatedRecord, def.Inverse, r.Identity)...)
	}

	updated, _ := c.getRecord(r.Identity)
	return updated.Clone(), pairs, nil
}

func (c *Cache) applyReplaceRelatedRecords(op record.Operation) (any, []opPair, error) {
	def, err := c.requireMany(op.Record.Type, op.Relationship)
	if err != nil {
		return nil, nil, err
	}

	r, pairs, err := c.targetRecord(op.Record.Identity)
	if err != nil {
		return nil, nil, err
	}

	prior := r.Relationships[op.Relationship]
	next := record.Relationship{Many: true, Data: append([]record.Identity{}, op.RelatedRecords...)}

	c.setRelationship(r.Identity, op.Relationship, next)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.ReplaceRelatedRecords, Record: record.Record{Identity: r.Identity}, Relationship: op.Relationship, RelatedRecords: append([]record.Identity{}, prior.Data...)},
	})

	if def.Inverse != "" {
		added, removed := diffIdentities(prior.Data, next.Data)

		for _, target := range removed {
			pairs = append(pairs, c.mirrorRemove(target, def.Inverse, r.Identity)...)
		}
		for _, target := range added {
			mirrors, err := c.mirrorAdd(target, def.Inverse, r.Identity)
			if err != nil {
				for i := len(pairs) - 1; i >= 0; i-- {
					c.applyDirect(pairs[i].inverse)
				}
				return nil, nil, err
			}
			pairs = append(pairs, mirrors...)
		}
	}

	updated, _ := c.getRecord(r.Identity)
	return updated.Clone(), pairs, nil
}

func (c *Cache) applyReplaceRelatedRecord(op record.Operation) (any, []opPair, error) {
	def, err := c.requireOne(op.Record.Type, op.Relationship)
	if err != nil {
		return nil, nil, err
	}

	r, pairs, err := c.targetRecord(op.Record.Identity)
	if err != nil {
		return nil, nil, err
	}

	prior := r.Relationships[op.Relationship]
	priorTarget := prior.RelatedRecord()

	if identitiesEqual(priorTarget, op.RelatedRecord) {
		return r.Clone(), pairs, nil
	}

	next := record.Relationship{}
	if op.RelatedRecord != nil {
		next.Data = []record.Identity{*op.RelatedRecord}
	}

	c.setRelationship(r.Identity, op.Relationship, next)

	pairs = append(pairs, opPair{
		applied: op,
		inverse: record.Operation{Op: record.ReplaceRelatedRecord, Record: record.Record{Identity: r.Identity}, Relationship: op.Relationship, RelatedRecord: priorTarget},
	})

	if def.Inverse != "" {
		if priorTarget != nil {
			pairs = append(pairs, c.mirrorRemove(*priorTarget, def.Inverse, r.Identity)...)
		}
		if op.RelatedRecord != nil {
			mirrors, err := c.mirrorAdd(*op.RelatedRecord, def.Inverse, r.Identity)
			if err != nil {
				for i := len(pairs) - 1; i >= 0; i-- {
					c.applyDirect(pairs[i].inverse)
				}
				return nil, nil, err
			}
			pairs = append(pairs, mirrors...)
		}
	}

	updated, _ := c.getRecord(r.Identity)
	return updated.Clone(), pairs, nil
}

// applyDirect mutates the store without schema validation or mirror
// synthesis. The rollback path uses it to replay recorded inverses.
func (c *Cache) applyDirect(op record.Operation) {
	switch op.Op {
	case record.AddRecord:
		c.setRecord(op.Record.Clone())
	case record.UpdateRecord:
		prior, exists := c.getRecord(op.Record.Identity)
		if !exists {
			c.setRecord(op.Record.Clone())
			return
		}
		next := prior.Clone()
		if op.Record.Attributes != nil {
			next.Attributes = cloneAnyMap(op.Record.Attributes)
			if len(next.Attributes) == 0 {
				next.Attributes = nil
			}
		}
		if op.Record.Keys != nil {
			next.Keys = cloneStringMap(op.Record.Keys)
			if len(next.Keys) == 0 {
				next.Keys = nil
			}
		}
		if op.Record.Relationships != nil {
			if next.Relationships == nil {
				next.Relationships = map[string]record.Relationship{}
			}
			for name, rel := range op.Record.Relationships {
				next.Relationships[name] = record.Relationship{Many: rel.Many, Data: append([]record.Identity{}, rel.Data...)}
			}
		}
		c.setRecord(next)
	case record.RemoveRecord:
		c.deleteRecord(op.Record.Identity)
	case record.ReplaceKey:
		r, exists := c.getRecord(op.Record.Identity)
		if !exists {
			return
		}
		next := r.Clone()
		if next.Keys == nil {
			next.Keys = map[string]string{}
		}
		value, _ := op.Value.(string)
		if value == "" {
			delete(next.Keys, op.Key)
		} else {
			next.Keys[op.Key] = value
		}
		if len(next.Keys) == 0 {
			next.Keys = nil
		}
		c.setRecord(next)
	case record.ReplaceAttribute:
		r, exists := c.getRecord(op.Record.Identity)
		if !exists {
			return
		}
		next := r.Clone()
		if next.Attributes == nil {
			next.Attributes = map[string]any{}
		}
		if op.Value == nil {
			delete(next.Attributes, op.Attribute)
		} else {
			next.Attributes[op.Attribute] = op.Value
		}
		if len(next.Attributes) == 0 {
			next.Attributes = nil
		}
		c.setRecord(next)
	case record.AddToRelatedRecords:
		r, exists := c.getRecord(op.Record.Identity)
		if !exists {
			return
		}
		rel := r.Relationships[op.Relationship]
		if containsIdentity(rel.Data, *op.RelatedRecord) {
			return
		}
		rel.Many = true
		rel.Data = append(append([]record.Identity{}, rel.Data...), *op.RelatedRecord)
		c.setRelationship(r.Identity, op.Relationship, rel)
	case record.RemoveFromRelatedRecords:
		r, exists := c.getRecord(op.Record.Identity)
		if !exists {
			return
		}
		rel := r.Relationships[op.Relationship]
		if !containsIdentity(rel.Data, *op.RelatedRecord) {
			return
		}
		c.detachFromMany(r.Identity, op.Relationship, *op.RelatedRecord)
	case record.ReplaceRelatedRecords:
		if _, exists := c.getRecord(op.Record.Identity); !exists {
			return
		}
		c.setRelationship(op.Record.Identity, op.Relationship, record.Relationship{Many: true, Data: append([]record.Identity{}, op.RelatedRecords...)})
	case record.ReplaceRelatedRecord:
		if _, exists := c.getRecord(op.Record.Identity); !exists {
			return
		}
		rel := record.Relationship{}
		if op.RelatedRecord != nil {
			rel.Data = []record.Identity{*op.RelatedRecord}
		}
		c.setRelationship(op.Record.Identity, op.Relationship, rel)
	}
}

// mirrorAdd links `from` into the inverse relation of `target`,
// creating the target as a placeholder when allowed. A missing target
// is skipped; the forward edge remains recorded either way.
func (c *Cache) mirrorAdd(target record.Identity, inverseRel string, from record.Identity) ([]opPair, error) {
	pairs := []opPair{}

	if _, exists := c.getRecord(target); !exists {
		if !c.allowPlaceholders {
			return nil, nil
		}

		placeholder := record.Record{Identity: target}
		c.setRecord(placeholder)
		pairs = append(pairs, opPair{
			applied: record.Operation{Op: record.AddRecord, Record: placeholder},
			inverse: record.Operation{Op: record.RemoveRecord, Record: record.Record{Identity: target}},
		})
	}

	def, err := c.relationshipDef(target.Type, inverseRel)
	if err != nil {
		return nil, err
	}

	r, _ := c.getRecord(target)
	rel := r.Relationships[inverseRel]

	if def.Kind == schema.HasMany {
		if containsIdentity(rel.Data, from) {
			return pairs, nil
		}

		rel.Many = true
		rel.Data = append(append([]record.Identity{}, rel.Data...), from)
		c.setRelationship(target, inverseRel, rel)

		pairs = append(pairs, opPair{
			applied: record.Operation{Op: record.AddToRelatedRecords, Record: record.Record{Identity: target}, Relationship: inverseRel, RelatedRecord: &from},
			inverse: record.Operation{Op: record.RemoveFromRelatedRecords, Record: record.Record{Identity: target}, Relationship: inverseRel, RelatedRecord: &from},
		})

		return pairs, nil
	}

	prior := rel.RelatedRecord()
	if prior != nil && prior.Equal(from) {
		return pairs, nil
	}

	// re-pointing a to-one steals the target from its previous owner:
	// the forward relation on the old owner must drop the target too
	if prior != nil && def.Inverse != "" {
		pairs = append(pairs, c.mirrorRemove(*prior, def.Inverse, target)...)
	}

	c.setRelationship(target, inverseRel, record.Relationship{Data: []record.Identity{from}})

	pairs = append(pairs, opPair{
		applied: record.Operation{Op: record.ReplaceRelatedRecord, Record: record.Record{Identity: target}, Relationship: inverseRel, RelatedRecord: &from},
		inverse: record.Operation{Op: record.ReplaceRelatedRecord, Record: record.Record{Identity: target}, Relationship: inverseRel, RelatedRecord: prior},
	})

	return pairs, nil
}

// mirrorRemove unlinks `from` out of the inverse relation of `target`.
func (c *Cache) mirrorRemove(target record.Identity, inverseRel string, from record.Identity) []opPair {
	r, exists := c.getRecord(target)
	if !exists {
		return nil
	}

	rel, ok := r.Relationships[inverseRel]
	if !ok {
		return nil
	}

	if rel.Many {
		if !containsIdentity(rel.Data, from) {
			return nil
		}
		return []opPair{c.detachFromMany(target, inverseRel, from)}
	}

	current := rel.RelatedRecord()
	if current == nil || !current.Equal(from) {
		return nil
	}

	return []opPair{c.detachFromOne(target, inverseRel, from)}
}

func (c *Cache) detachFromMany(identity record.Identity, relationship string, target record.Identity) opPair {
	r, _ := c.getRecord(identity)
	rel := r.Relationships[relationship]

	data := make([]record.Identity, 0, len(rel.Data))
	for _, existing := range rel.Data {
		if !existing.Equal(target) {
			data = append(data, existing)
		}
	}

	c.setRelationship(identity, relationship, record.Relationship{Many: true, Data: data})

	return opPair{
		applied: record.Operation{Op: record.RemoveFromRelatedRecords, Record: record.Record{Identity: identity}, Relationship: relationship, RelatedRecord: &target},
		inverse: record.Operation{Op: record.AddToRelatedRecords, Record: record.Record{Identity: identity}, Relationship: relationship, RelatedRecord: &target},
	}
}

func (c *Cache) detachFromOne(identity record.Identity, relationship string, target record.Identity) opPair {
	c.setRelationship(identity, relationship, record.Relationship{})

	return opPair{
		applied: record.Operation{Op: record.ReplaceRelatedRecord, Record: record.Record{Identity: identity}, Relationship: relationship, RelatedRecord: nil},
		inverse: record.Operation{Op: record.ReplaceRelatedRecord, Record: record.Record{Identity: identity}, Relationship: relationship, RelatedRecord: &target},
	}
}

// targetRecord resolves the record an operation mutates, creating a
// placeholder when the cache is configured to do so.
func (c *Cache) targetRecord(identity record.Identity) (record.Record, []opPair, error) {
	r, exists := c.getRecord(identity)
	if exists {
		return r, nil, nil
	}

	if !c.allowPlaceholders {
		return record.Record{}, nil, errors.NewRecordNotFound(identity.Type, identity.ID)
	}

	placeholder := record.Record{Identity: identity}
	c.setRecord(placeholder)

	pairs := []opPair{{
		applied: record.Operation{Op: record.AddRecord, Record: placeholder},
		inverse: record.Operation{Op: record.RemoveRecord, Record: record.Record{Identity: identity}},
	}}

	return placeholder, pairs, nil
}

func (c *Cache) relationshipDef(recordType, relationship string) (schema.RelationshipDef, error) {
	if c.schema == nil {
		return schema.RelationshipDef{}, nil
	}
	return c.schema.Relationship(recordType, relationship)
}

func (c *Cache) requireMany(recordType, relationship string) (schema.RelationshipDef, error) {
	def, err := c.relationshipDef(recordType, relationship)
	if err != nil {
		return def, err
	}

	if c.schema != nil && def.Kind != schema.HasMany {
		return def, errors.NewOperationNotAllowed(relationship + " on " + recordType + " is not a to-many relationship")
	}

	return def, nil
}

func (c *Cache) requireOne(recordType, relationship string) (schema.RelationshipDef, error) {
	def, err := c.relationshipDef(recordType, relationship)
	if err != nil {
		return def, err
	}

	if c.schema != nil && def.Kind != schema.HasOne {
		return def, errors.NewOperationNotAllowed(relationship + " on " + recordType + " is not a to-one relationship")
	}

	return def, nil
}

func (c *Cache) sortedBackEdges(identity record.Identity) []inverseEntry {
	entries := make([]inverseEntry, 0, len(c.inverse[identity]))
	for entry := range c.inverse[identity] {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].identity.Type != entries[j].identity.Type {
			return entries[i].identity.Type < entries[j].identity.Type
		}
		if entries[i].identity.ID != entries[j].identity.ID {
			return entries[i].identity.ID < entries[j].identity.ID
		}
		return entries[i].relationship < entries[j].relationship
	})

	return entries
}

func containsIdentity(identities []record.Identity, target record.Identity) bool {
	for _, identity := range identities {
		if identity.Equal(target) {
			return true
		}
	}
	return false
}

func identitiesEqual(a, b *record.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func diffIdentities(before, after []record.Identity) (added, removed []record.Identity) {
	for _, identity := range after {
		if !containsIdentity(before, identity) {
			added = append(added, identity)
		}
	}
	for _, identity := range before {
		if !containsIdentity(after, identity) {
			removed = append(removed, identity)
		}
	}
	return added, removed
}
