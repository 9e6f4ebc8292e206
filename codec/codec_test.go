package codec

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/options"
)

func collect(t *testing.T, feed func(sink Emit) error) []Value {
	t.Helper()
	var got []Value
	require.NoError(t, feed(func(v Value) error {
		got = append(got, v)
		return nil
	}))
	return got
}

func TestNullBodyFilterDropsBodyOnHead(t *testing.T) {
	ctx := context.Background()
	chain := New(NewNullBodyFilter(true))

	h := header.New()
	h.Set("content-length", "5")
	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(200, "OK", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk([]byte("hello")), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})

	require.Len(t, got, 2) // headers + end, no chunk
	require.Equal(t, KindHeaders, got[0].Kind)
	require.Equal(t, EntityLengthNone, got[0].Headers.Get(PseudoEntityLength))
	require.Equal(t, KindEnd, got[1].Kind)
}

func TestNullBodyFilterDrops204(t *testing.T) {
	ctx := context.Background()
	chain := New(NewNullBodyFilter(false))
	h := header.New()
	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(204, "No Content", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk([]byte("x")), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})
	require.Len(t, got, 2)
}

func TestChunkedEncodingFiltersStreamingEntity(t *testing.T) {
	ctx := context.Background()
	chain := New(NewChunkedEncodingFilter())
	h := header.New()
	h.Set(PseudoEntityLength, EntityLengthStreaming)

	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(200, "OK", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk([]byte("abc")), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})

	require.Equal(t, EntityLengthStreaming, got[0].Headers.Get(PseudoEntityLength))
	require.Equal(t, "3\r\nabc\r\n", string(got[1].Chunk))
	require.Equal(t, "0\r\n\r\n", string(got[2].Chunk))
	require.Equal(t, KindEnd, got[3].Kind)
}

func TestChunkedEncodingFilterPassthroughForFixedLength(t *testing.T) {
	ctx := context.Background()
	chain := New(NewChunkedEncodingFilter())
	h := header.New()
	h.Set(PseudoEntityLength, "5")

	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(200, "OK", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk([]byte("hello")), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})
	require.Equal(t, "hello", string(got[1].Chunk))
}

func gunzip(t *testing.T, b []byte) string {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestDeflateFilterBelowThresholdPassesThroughUncompressed(t *testing.T) {
	ctx := context.Background()
	opts := options.Default()
	opts.DeflateMinimumLength = 1024
	chain := New(NewDeflateFilter(opts, "gzip, deflate", "1.1"))

	h := header.New()
	h.Set("content-type", "text/html")
	body := bytes.Repeat([]byte("a"), 100)

	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(200, "OK", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk(body), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})

	require.Equal(t, KindHeaders, got[0].Kind)
	require.False(t, got[0].Headers.Has("content-encoding"))
	require.Equal(t, string(body), string(got[1].Chunk))
}

func TestDeflateFilterAboveThresholdCompresses(t *testing.T) {
	ctx := context.Background()
	opts := options.Default()
	opts.DeflateMinimumLength = 1024
	opts.DeflateBufferSize = 512
	chain := New(NewDeflateFilter(opts, "gzip", "1.1"))

	h := header.New()
	h.Set("content-type", "text/html")
	body := bytes.Repeat([]byte("hello world "), 200) // > 1024 bytes

	got := collect(t, func(sink Emit) error {
		if err := chain.Feed(ctx, Headers(200, "OK", h), sink); err != nil {
			return err
		}
		if err := chain.Feed(ctx, Chunk(body), sink); err != nil {
			return err
		}
		return chain.Feed(ctx, End(), sink)
	})

	require.Equal(t, "gzip", got[0].Headers.Get("content-encoding"))
	require.Equal(t, EntityLengthStreaming, got[0].Headers.Get(PseudoEntityLength))

	var compressed bytes.Buffer
	for _, v := range got[1:] {
		if v.Kind == KindChunk {
			compressed.Write(v.Chunk)
		}
	}
	require.Equal(t, string(body), gunzip(t, compressed.Bytes()))
}
