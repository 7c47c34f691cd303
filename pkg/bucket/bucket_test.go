package bucket

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

func TestSetAndGetItem(t *testing.T) {
	is := is.New(t)
	b := NewInMemory()
	ctx := context.Background()

	is.NoErr(b.SetItem(ctx, "key", []byte(`{"a":1}`)))

	value, err := b.GetItem(ctx, "key")
	is.NoErr(err)
	is.Equal(string(value), `{"a":1}`)
}

func TestMissingKeyYieldsNil(t *testing.T) {
	is := is.New(t)
	b := NewInMemory()

	value, err := b.GetItem(context.Background(), "nope")
	is.NoErr(err)
	is.Equal(value, nil)
}

func TestRemoveItem(t *testing.T) {
	is := is.New(t)
	b := NewInMemory()
	ctx := context.Background()

	is.NoErr(b.SetItem(ctx, "key", []byte("1")))
	is.NoErr(b.RemoveItem(ctx, "key"))

	value, err := b.GetItem(ctx, "key")
	is.NoErr(err)
	is.Equal(value, nil)
}

func TestClearAndKeys(t *testing.T) {
	is := is.New(t)
	b := NewInMemory()
	ctx := context.Background()

	is.NoErr(b.SetItem(ctx, "b", []byte("1")))
	is.NoErr(b.SetItem(ctx, "a", []byte("2")))

	keys, err := b.Keys(ctx)
	is.NoErr(err)
	is.Equal(keys, []string{"a", "b"})

	is.NoErr(b.Clear(ctx))

	keys, err = b.Keys(ctx)
	is.NoErr(err)
	is.Equal(len(keys), 0)
}

func TestStoredValuesDoNotAliasCallerBuffers(t *testing.T) {
	is := is.New(t)
	b := NewInMemory()
	ctx := context.Background()

	buf := []byte("abc")
	is.NoErr(b.SetItem(ctx, "key", buf))
	buf[0] = 'x'

	value, err := b.GetItem(ctx, "key")
	is.NoErr(err)
	is.Equal(string(value), "abc")
}
