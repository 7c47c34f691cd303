package cache

import (
	"context"
	"sync"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/record"
	"github.com/diwise/record-broker/pkg/schema"
)

// Cache is the in-memory record store. It applies atomic operations to
// a normalized record graph, maintains derived inverse relationships,
// answers structured queries and hosts live queries.
//
// Records are kept in a flat map keyed by (type, id); pointers between
// records are identity valued, so cyclic graphs are unproblematic. The
// inverse relationship index is a derived structure owned by the
// cache.
type Cache struct {
	mu sync.RWMutex

	schema *schema.Schema
	keyMap *keymap.KeyMap

	records map[string]*typeBucket
	inverse map[record.Identity]map[inverseEntry]struct{}

	allowPlaceholders bool
	debounce          bool

	subMu       sync.Mutex
	subscribers map[*LiveQuery]struct{}
	patchSubs   map[int]func(op, inverse record.Operation)
	nextSubID   int
}

type typeBucket struct {
	byID  map[string]record.Record
	order []string
}

// inverseEntry names one incoming edge: the record holding the
// relationship that points here.
type inverseEntry struct {
	identity     record.Identity
	relationship string
}

type Option func(*Cache)

func WithKeyMap(km *keymap.KeyMap) Option {
	return func(c *Cache) {
		c.keyMap = km
	}
}

// AllowCreatePlaceholders makes mirror additions materialize missing
// targets as placeholder records instead of skipping them.
func AllowCreatePlaceholders() Option {
	return func(c *Cache) {
		c.allowPlaceholders = true
	}
}

// WithoutDebounce makes live queries deliver one notification per
// applied operation instead of coalescing per patch batch.
func WithoutDebounce() Option {
	return func(c *Cache) {
		c.debounce = false
	}
}

func New(sc *schema.Schema, options ...Option) *Cache {
	c := &Cache{
		schema:      sc,
		records:     map[string]*typeBucket{},
		inverse:     map[record.Identity]map[inverseEntry]struct{}{},
		debounce:    true,
		subscribers: map[*LiveQuery]struct{}{},
		patchSubs:   map[int]func(op, inverse record.Operation){},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

func (c *Cache) Schema() *schema.Schema {
	return c.schema
}

// GetRecord returns a copy of the stored record, so callers never
// alias cache state.
func (c *Cache) GetRecord(identity record.Identity) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.getRecord(identity)
	if !ok {
		return record.Record{}, false
	}

	return r.Clone(), true
}

// GetRecords returns copies of all records of a type in insertion
// order.
func (c *Cache) GetRecords(recordType string) []record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, ok := c.records[recordType]
	if !ok {
		return []record.Record{}
	}

	out := make([]record.Record, 0, len(bucket.order))
	for _, id := range bucket.order {
		out = append(out, bucket.byID[id].Clone())
	}

	return out
}

// InverseRelationships returns the identities of the records holding
// an incoming edge to a record. The relationship names of those edges
// are not returned.
func (c *Cache) InverseRelationships(identity record.Identity) []record.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []record.Identity{}
	for entry := range c.inverse[identity] {
		out = append(out, entry.identity)
	}

	return out
}

// PatchResult collects the outcome of one atomically applied batch.
// Inverse lists the operations that undo the batch, in undo order.
type PatchResult struct {
	Data    []any
	Inverse []record.Operation
	Applied []record.Operation
}

type opPair struct {
	applied record.Operation
	inverse record.Operation
}

// Patch atomically applies a batch of operations. On failure no
// partial state persists and no notification fires. After success,
// patch subscribers observe every applied operation together with its
// inverse, and live queries are notified.
func (c *Cache) Patch(ctx context.Context, input any) (PatchResult, error) {
	ops, err := normalizeOperations(input)
	if err != nil {
		return PatchResult{}, err
	}

	c.mu.Lock()

	result := PatchResult{}
	batch := []opPair{}

	for _, op := range ops {
		data, pairs, err := c.apply(op)
		if err != nil {
			// undo everything this batch already applied
			for i := len(batch) - 1; i >= 0; i-- {
				c.applyDirect(batch[i].inverse)
			}
			c.mu.Unlock()
			return PatchResult{}, err
		}

		result.Data = append(result.Data, data)
		batch = append(batch, pairs...)
	}

	c.mu.Unlock()

	for _, pair := range batch {
		result.Applied = append(result.Applied, pair.applied)
	}
	for i := len(batch) - 1; i >= 0; i-- {
		result.Inverse = append(result.Inverse, batch[i].inverse)
	}

	c.publishPatch(batch)

	return result, nil
}

// OnPatch registers a listener observing each applied operation and
// its inverse. The returned function removes the registration.
func (c *Cache) OnPatch(listener func(op, inverse record.Operation)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.patchSubs[id] = listener

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.patchSubs, id)
	}
}

// Reset drops every record and the derived inverse index.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = map[string]*typeBucket{}
	c.inverse = map[record.Identity]map[inverseEntry]struct{}{}
}

func (c *Cache) publishPatch(batch []opPair) {
	if len(batch) == 0 {
		return
	}

	c.subMu.Lock()
	listeners := make([]func(op, inverse record.Operation), 0, len(c.patchSubs))
	for _, fn := range c.patchSubs {
		listeners = append(listeners, fn)
	}
	subscribers := make([]*LiveQuery, 0, len(c.subscribers))
	for lq := range c.subscribers {
		subscribers = append(subscribers, lq)
	}
	c.subMu.Unlock()

	for _, listener := range listeners {
		for _, pair := range batch {
			listener(pair.applied, pair.inverse)
		}
	}

	for _, lq := range subscribers {
		lq.notify(len(batch))
	}
}

func normalizeOperations(input any) ([]record.Operation, error) {
	switch v := input.(type) {
	case record.Operation:
		return []record.Operation{v}, nil
	case []record.Operation:
		return v, nil
	case record.Transform:
		return v.Operations, nil
	case record.TransformBuilderFunc:
		return v(&record.TransformBuilder{}), nil
	case func(b *record.TransformBuilder) []record.Operation:
		return v(&record.TransformBuilder{}), nil
	}

	return nil, errors.NewOperationNotAllowed("unsupported patch input")
}

// low level store mutators; callers hold c.mu

func (c *Cache) getRecord(identity record.Identity) (record.Record, bool) {
	bucket, ok := c.records[identity.Type]
	if !ok {
		return record.Record{}, false
	}

	r, ok := bucket.byID[identity.ID]
	return r, ok
}

// setRecord inserts or replaces a record, maintains the per type
// insertion order, rebuilds the record's outgoing back-edges and
// registers any keys with the key map.
func (c *Cache) setRecord(r record.Record) {
	bucket, ok := c.records[r.Type]
	if !ok {
		bucket = &typeBucket{byID: map[string]record.Record{}}
		c.records[r.Type] = bucket
	}

	prior, existed := bucket.byID[r.ID]
	if existed {
		c.removeBackEdges(prior)
	} else {
		bucket.order = append(bucket.order, r.ID)
	}

	bucket.byID[r.ID] = r
	c.addBackEdges(r)

	if c.keyMap != nil && len(r.Keys) > 0 {
		c.keyMap.PushRecord(r)
	}
}

// deleteRecord removes a record and its outgoing back-edges. Incoming
// edges are the caller's concern (the removal cascade).
func (c *Cache) deleteRecord(identity record.Identity) {
	bucket, ok := c.records[identity.Type]
	if !ok {
		return
	}

	prior, existed := bucket.byID[identity.ID]
	if !existed {
		return
	}

	c.removeBackEdges(prior)
	delete(bucket.byID, identity.ID)

	for i, id := range bucket.order {
		if id == identity.ID {
			bucket.order = append(bucket.order[:i:i], bucket.order[i+1:]...)
			break
		}
	}

	delete(c.inverse, identity)
}

// setRelationship replaces one relation of a stored record and
// adjusts the back-edge diff for that relation.
func (c *Cache) setRelationship(identity record.Identity, name string, rel record.Relationship) {
	r, ok := c.getRecord(identity)
	if !ok {
		return
	}

	if prior, ok := r.Relationships[name]; ok {
		for _, target := range prior.Data {
			c.dropBackEdge(target, inverseEntry{identity: identity, relationship: name})
		}
	}

	r = r.Clone()
	if r.Relationships == nil {
		r.Relationships = map[string]record.Relationship{}
	}
	r.Relationships[name] = rel

	c.records[identity.Type].byID[identity.ID] = r

	for _, target := range rel.Data {
		c.putBackEdge(target, inverseEntry{identity: identity, relationship: name})
	}
}

func (c *Cache) addBackEdges(r record.Record) {
	for name, rel := range r.Relationships {
		for _, target := range rel.Data {
			c.putBackEdge(target, inverseEntry{identity: r.Identity, relationship: name})
		}
	}
}

func (c *Cache) removeBackEdges(r record.Record) {
	for name, rel := range r.Relationships {
		for _, target := range rel.Data {
			c.dropBackEdge(target, inverseEntry{identity: r.Identity, relationship: name})
		}
	}
}

func (c *Cache) putBackEdge(target record.Identity, entry inverseEntry) {
	edges, ok := c.inverse[target]
	if !ok {
		edges = map[inverseEntry]struct{}{}
		c.inverse[target] = edges
	}
	edges[entry] = struct{}{}
}

func (c *Cache) dropBackEdge(target record.Identity, entry inverseEntry) {
	edges, ok := c.inverse[target]
	if !ok {
		return
	}

	delete(edges, entry)
	if len(edges) == 0 {
		delete(c.inverse, target)
	}
}
