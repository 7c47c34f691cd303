package keymap

import (
	"sort"
	"sync"

	"github.com/diwise/record-broker/pkg/record"
)

// KeyMap reconciles the two id world: a stable local id on one side
// and one or more named remote keys on the other. For each
// (type, keyName) the map is a partial bijection between key values
// and local ids; conflicting insertions are resolved last writer wins.
type KeyMap struct {
	mu sync.RWMutex

	// idsToKeys[type][keyName][localID] -> keyValue
	idsToKeys map[string]map[string]map[string]string
	// keysToIDs[type][keyName][keyValue] -> localID
	keysToIDs map[string]map[string]map[string]string
}

func New() *KeyMap {
	return &KeyMap{
		idsToKeys: map[string]map[string]map[string]string{},
		keysToIDs: map[string]map[string]map[string]string{},
	}
}

// PushRecord registers every key of the record against its local id.
// An insertion with a new remote key for an existing local id merges;
// a key value already mapped to another id is re-pointed and the stale
// entries dropped.
func (km *KeyMap) PushRecord(r record.Record) {
	if r.ID == "" || len(r.Keys) == 0 {
		return
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	for keyName, keyValue := range r.Keys {
		if keyValue == "" {
			continue
		}

		byID := lookupOrCreate(km.idsToKeys, r.Type, keyName)
		byValue := lookupOrCreate(km.keysToIDs, r.Type, keyName)

		if staleID, ok := byValue[keyValue]; ok && staleID != r.ID {
			delete(byID, staleID)
		}
		if staleValue, ok := byID[r.ID]; ok && staleValue != keyValue {
			delete(byValue, staleValue)
		}

		byID[r.ID] = keyValue
		byValue[keyValue] = r.ID
	}
}

// IDFromKeys resolves a local id from any of the given keys. Lookup is
// deterministic: key names are tried in lexicographic order and the
// first hit wins. Returns the empty string when no key is known.
func (km *KeyMap) IDFromKeys(recordType string, keys map[string]string) string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	for _, keyName := range sortedNames(keys) {
		if id, ok := km.lookupID(recordType, keyName, keys[keyName]); ok {
			return id
		}
	}

	return ""
}

func (km *KeyMap) IDToKey(recordType, keyName, id string) string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if byKey, ok := km.idsToKeys[recordType]; ok {
		if byID, ok := byKey[keyName]; ok {
			return byID[id]
		}
	}

	return ""
}

func (km *KeyMap) KeyToID(recordType, keyName, keyValue string) string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	id, _ := km.lookupID(recordType, keyName, keyValue)
	return id
}

// KeysFromID returns all known keys of a local id.
func (km *KeyMap) KeysFromID(recordType, id string) map[string]string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keys := map[string]string{}

	if byKey, ok := km.idsToKeys[recordType]; ok {
		for keyName, byID := range byKey {
			if value, ok := byID[id]; ok {
				keys[keyName] = value
			}
		}
	}

	return keys
}

func (km *KeyMap) Reset() {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.idsToKeys = map[string]map[string]map[string]string{}
	km.keysToIDs = map[string]map[string]map[string]string{}
}

func (km *KeyMap) lookupID(recordType, keyName, keyValue string) (string, bool) {
	if byKey, ok := km.keysToIDs[recordType]; ok {
		if byValue, ok := byKey[keyName]; ok {
			id, ok := byValue[keyValue]
			return id, ok
		}
	}

	return "", false
}

func lookupOrCreate(index map[string]map[string]map[string]string, recordType, keyName string) map[string]string {
	byKey, ok := index[recordType]
	if !ok {
		byKey = map[string]map[string]string{}
		index[recordType] = byKey
	}

	entries, ok := byKey[keyName]
	if !ok {
		entries = map[string]string{}
		byKey[keyName] = entries
	}

	return entries
}

func sortedNames(keys map[string]string) []string {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
