package http1

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/stream"
)

func drainSink(t *testing.T, sink *stream.Sink) string {
	t.Helper()
	var b strings.Builder
	for _, chunk := range sink.Drain() {
		b.Write(chunk)
	}
	return b.String()
}

func TestWriterRendersContentLengthForDecimalEntityLength(t *testing.T) {
	sink := stream.NewSink(1 << 20)
	w := NewWriter(sink, "1.1", false, "Fri, 01 Jan 2027 00:00:00 GMT", true)

	h := header.New()
	h.Set("content-type", "text/plain")
	h.Set(codec.PseudoEntityLength, "5")
	require.NoError(t, w.write(context.Background(), codec.Headers(200, "", h)))
	require.NoError(t, w.write(context.Background(), codec.Chunk([]byte("hello"))))
	require.NoError(t, w.write(context.Background(), codec.End()))

	out := drainSink(t, sink)
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, out, "Content-Type: text/plain\r\n")
	require.Contains(t, out, "Content-Length: 5\r\n")
	require.Contains(t, out, "Date: Fri, 01 Jan 2027 00:00:00 GMT\r\n")
	require.NotContains(t, out, "Server:")
	require.True(t, strings.HasSuffix(out, "\r\n\r\nhello"))
}

func TestWriterStreamingEntityUsesChunkedOnHTTP11(t *testing.T) {
	sink := stream.NewSink(1 << 20)
	w := NewWriter(sink, "1.1", true, "Fri, 01 Jan 2027 00:00:00 GMT", true)

	h := header.New()
	h.Set(codec.PseudoEntityLength, codec.EntityLengthStreaming)
	require.NoError(t, w.write(context.Background(), codec.Headers(200, "", h)))

	out := drainSink(t, sink)
	require.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	require.Contains(t, out, "Server: Aerys\r\n")
	require.NotContains(t, out, "Connection: close")
}

func TestWriterStreamingEntityOnHTTP10ForcesConnectionClose(t *testing.T) {
	sink := stream.NewSink(1 << 20)
	w := NewWriter(sink, "1.0", false, "Fri, 01 Jan 2027 00:00:00 GMT", true)

	h := header.New()
	h.Set(codec.PseudoEntityLength, codec.EntityLengthStreaming)
	require.NoError(t, w.write(context.Background(), codec.Headers(200, "", h)))

	out := drainSink(t, sink)
	require.Contains(t, out, "Connection: close\r\n")
	require.NotContains(t, out, "Transfer-Encoding")
	require.False(t, w.KeepAlive)
}

func TestWriterOmitsDateHeaderWhenResponseAlreadySetOne(t *testing.T) {
	sink := stream.NewSink(1 << 20)
	w := NewWriter(sink, "1.1", false, "Fri, 01 Jan 2027 00:00:00 GMT", true)

	h := header.New()
	h.Set("date", "Thu, 31 Dec 2026 00:00:00 GMT")
	h.Set(codec.PseudoEntityLength, codec.EntityLengthNone)
	require.NoError(t, w.write(context.Background(), codec.Headers(204, "", h)))

	out := drainSink(t, sink)
	require.Equal(t, 1, strings.Count(out, "Date:"))
	require.Contains(t, out, "Date: Thu, 31 Dec 2026 00:00:00 GMT\r\n")
}
