package codec

import (
	"context"
	"strconv"
)

// ChunkedEncodingFilter implements HTTP/1.1 chunked transfer coding
// (spec.md §4.3): when the response's entity-length is streaming ("*"),
// every chunk is wrapped as "hex-size CRLF data CRLF", terminated by a
// zero-size chunk "0\r\n\r\n" on End. It is a no-op for any other
// entity-length (fixed-length and "@" no-body responses bypass it) and
// for HTTP/1.0 connections, which use Connection: close instead (the
// driver never installs this filter for 1.0).
//
// The filter leaves :aerys-entity-length untouched and never writes
// "transfer-encoding"/"content-length" itself: driver/http1's Writer is
// the sole place that translates entity-length into those wire headers,
// so there is exactly one place that can emit "Transfer-Encoding:
// chunked" rather than two.
type ChunkedEncodingFilter struct {
	chunking bool
}

func NewChunkedEncodingFilter() *ChunkedEncodingFilter {
	return &ChunkedEncodingFilter{}
}

func (f *ChunkedEncodingFilter) Key() string { return "chunked-encoding" }

func (f *ChunkedEncodingFilter) Process(ctx context.Context, in Value, emit Emit) error {
	switch in.Kind {
	case KindHeaders:
		entityLen := in.Headers.Get(PseudoEntityLength)
		f.chunking = entityLen == EntityLengthStreaming
		return emit(in)

	case KindChunk:
		if !f.chunking || len(in.Chunk) == 0 {
			return emit(in)
		}
		framed := make([]byte, 0, len(in.Chunk)+16)
		framed = strconv.AppendInt(framed, int64(len(in.Chunk)), 16)
		framed = append(framed, '\r', '\n')
		framed = append(framed, in.Chunk...)
		framed = append(framed, '\r', '\n')
		return emit(Chunk(framed))

	case KindEnd:
		if f.chunking {
			if err := emit(Chunk([]byte("0\r\n\r\n"))); err != nil {
				return err
			}
		}
		return emit(in)

	default:
		return emit(in)
	}
}
