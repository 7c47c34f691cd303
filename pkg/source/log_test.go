package source

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/matryer/is"
)

func TestLogAppendAndContains(t *testing.T) {
	is := is.New(t)

	l, err := NewTransformLog(context.Background(), "test-log")
	is.NoErr(err)

	is.NoErr(l.Append(context.Background(), "t1", "t2"))

	is.True(l.Contains("t1"))
	is.True(l.Contains("t2"))
	is.True(!l.Contains("t3"))
	is.Equal(l.Head(), "t2")
}

func TestLogAppendIsIdempotentPerID(t *testing.T) {
	is := is.New(t)

	l, err := NewTransformLog(context.Background(), "test-log")
	is.NoErr(err)

	is.NoErr(l.Append(context.Background(), "t1"))
	is.NoErr(l.Append(context.Background(), "t1"))

	is.Equal(l.Length(), 1)
}

func TestLogBeforeAndAfter(t *testing.T) {
	is := is.New(t)

	l, err := NewTransformLog(context.Background(), "test-log")
	is.NoErr(err)
	is.NoErr(l.Append(context.Background(), "t1", "t2", "t3"))

	before, err := l.Before("t2")
	is.NoErr(err)
	is.Equal(before, []string{"t1"})

	after, err := l.After("t2")
	is.NoErr(err)
	is.Equal(after, []string{"t3"})

	_, err = l.Before("nope")
	is.True(goerrors.Is(err, ErrTransformNotLogged))
}

func TestLogTruncateRemovesUpToAndIncluding(t *testing.T) {
	is := is.New(t)

	l, err := NewTransformLog(context.Background(), "test-log")
	is.NoErr(err)
	is.NoErr(l.Append(context.Background(), "t1", "t2", "t3"))

	is.NoErr(l.Truncate(context.Background(), "t2"))
	is.Equal(l.Entries(), []string{"t3"})
}

func TestLogRollbackRemovesEverythingAfter(t *testing.T) {
	is := is.New(t)

	removed := []string{}
	l, err := NewTransformLog(context.Background(), "test-log",
		LogWithRollbackHandler(func(transformID string, ids []string) {
			removed = ids
		}),
	)
	is.NoErr(err)
	is.NoErr(l.Append(context.Background(), "t1", "t2", "t3"))

	is.NoErr(l.Rollback(context.Background(), "t1"))
	is.Equal(l.Entries(), []string{"t1"})
	is.Equal(removed, []string{"t2", "t3"})
}

func TestLogPersistsThroughBucket(t *testing.T) {
	is := is.New(t)
	b := bucket.NewInMemory()

	l, err := NewTransformLog(context.Background(), "test-log", LogWithBucket(b))
	is.NoErr(err)
	is.NoErr(l.Append(context.Background(), "t1", "t2"))

	restored, err := NewTransformLog(context.Background(), "test-log", LogWithBucket(b))
	is.NoErr(err)
	is.Equal(restored.Entries(), []string{"t1", "t2"})
	is.True(restored.Contains("t1"))
}
