package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/errs"
)

func TestEmitterRoundTripsBytes(t *testing.T) {
	ctx := context.Background()
	e, m := New(1024, 1024)
	go func() {
		_ = e.Emit(ctx, []byte("hello "))
		_ = e.Emit(ctx, []byte("world"))
		e.Complete()
	}()
	got, err := m.Buffer(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestEmitterEnforcesMaxBodySize(t *testing.T) {
	ctx := context.Background()
	e, m := New(4, 1024)
	done := make(chan error, 1)
	go func() {
		done <- e.Emit(ctx, []byte("too long"))
	}()
	_, err := m.Read(ctx)
	require.Error(t, err)
	var sizeErr *errs.ClientSizeException
	require.ErrorAs(t, err, &sizeErr)
	require.Error(t, <-done)
}

func TestEmitterUpgradeBodySizeAllowsMore(t *testing.T) {
	ctx := context.Background()
	e, m := New(4, 1024)
	e.UpgradeBodySize(1024)
	require.NoError(t, e.Emit(ctx, []byte("this fits now")))
	e.Complete()
	got, err := m.Buffer(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "this fits now", string(got))
}

func TestEmitterBackpressureBlocksUntilDrained(t *testing.T) {
	ctx := context.Background()
	e, m := New(1<<20, 4)
	firstEmitReturned := make(chan struct{})
	emitDone := make(chan struct{})
	go func() {
		_ = e.Emit(ctx, []byte("abcd")) // fills softCap exactly: blocks until drained below 4
		close(firstEmitReturned)
		_ = e.Emit(ctx, []byte("ef"))
		close(emitDone)
	}()

	// The first Emit must still be blocked: nothing has been read yet.
	select {
	case <-firstEmitReturned:
		t.Fatal("first Emit should block until the consumer drains below softCap")
	case <-time.After(20 * time.Millisecond):
	}

	chunk, err := m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(chunk))
	<-firstEmitReturned

	chunk2, err := m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "ef", string(chunk2))
	<-emitDone
}

func TestMessageReadEOF(t *testing.T) {
	ctx := context.Background()
	e, m := New(16, 16)
	e.Complete()
	_, err := m.Read(ctx)
	require.ErrorIs(t, err, io.EOF)
}
