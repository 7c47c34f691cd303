package keymap

import (
	"testing"

	"github.com/diwise/record-broker/pkg/record"
	"github.com/matryer/is"
)

func TestPushRecordRegistersBothDirections(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))

	is.Equal(km.KeyToID("planet", "remoteId", "a"), "p1")
	is.Equal(km.IDToKey("planet", "remoteId", "p1"), "a")
}

func TestIDFromKeysIsDeterministic(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a"), record.Key("slug", "jupiter")))

	is.Equal(km.IDFromKeys("planet", map[string]string{"remoteId": "a"}), "p1")
	is.Equal(km.IDFromKeys("planet", map[string]string{"slug": "jupiter", "remoteId": "a"}), "p1")
	is.Equal(km.IDFromKeys("planet", map[string]string{"remoteId": "unknown"}), "")
}

func TestNewKeyForExistingIDMerges(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))
	km.PushRecord(record.New("planet", "p1", record.Key("slug", "jupiter")))

	keys := km.KeysFromID("planet", "p1")
	is.Equal(keys["remoteId"], "a")
	is.Equal(keys["slug"], "jupiter")
}

func TestConflictingKeyIsLastWriterWins(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))
	km.PushRecord(record.New("planet", "p2", record.Key("remoteId", "a")))

	is.Equal(km.KeyToID("planet", "remoteId", "a"), "p2")

	// the stale forward mapping is dropped, keeping the partial bijection
	is.Equal(km.IDToKey("planet", "remoteId", "p1"), "")
	is.Equal(km.IDToKey("planet", "remoteId", "p2"), "a")
}

func TestReKeyingAnIDDropsTheStaleReverseEntry(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))
	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "b")))

	is.Equal(km.IDToKey("planet", "remoteId", "p1"), "b")
	is.Equal(km.KeyToID("planet", "remoteId", "a"), "")
	is.Equal(km.KeyToID("planet", "remoteId", "b"), "p1")
}

func TestTypesAreIndependent(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))
	km.PushRecord(record.New("moon", "m1", record.Key("remoteId", "a")))

	is.Equal(km.KeyToID("planet", "remoteId", "a"), "p1")
	is.Equal(km.KeyToID("moon", "remoteId", "a"), "m1")
}

func TestReset(t *testing.T) {
	is := is.New(t)
	km := New()

	km.PushRecord(record.New("planet", "p1", record.Key("remoteId", "a")))
	km.Reset()

	is.Equal(km.KeyToID("planet", "remoteId", "a"), "")
}
