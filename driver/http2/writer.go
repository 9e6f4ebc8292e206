// writer.go serializes one stream's codec.Value sequence into HPACK-
// encoded HEADERS/CONTINUATION and flow-controlled DATA frames (spec.md
// §4.2), the HTTP/2 analogue of driver/http1's Writer. Unlike HTTP/1,
// :aerys-entity-length never becomes Content-Length/Transfer-Encoding
// framing here -- HTTP/2 has no chunked encoding, END_STREAM is the only
// framing signal -- so the streaming vs. fixed-length distinction collapses
// to "set content-length if known, otherwise omit it and rely on
// END_STREAM" (RFC 7540 §8.1.2.6).
package http2

import (
	"context"

	"golang.org/x/net/http2/hpack"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/header"
)

// Writer adapts one Stream's scheduler submissions and HEADERS framing
// into a codec.Emit.
type Writer struct {
	conn     *Conn
	streamID uint32
	strm     *Stream

	headersWritten bool
}

func newWriter(conn *Conn, strm *Stream) *Writer {
	return &Writer{conn: conn, streamID: strm.id, strm: strm}
}

// Sink adapts Writer into a codec.Emit for pipeline.Run.
func (w *Writer) Sink(ctx context.Context) codec.Emit {
	return func(v codec.Value) error {
		return w.write(ctx, v)
	}
}

func (w *Writer) write(ctx context.Context, v codec.Value) error {
	switch v.Kind {
	case codec.KindHeaders:
		return w.writeHeaders(v)
	case codec.KindChunk:
		if len(v.Chunk) == 0 {
			return nil
		}
		return w.conn.scheduler.submit(w.streamID, v.Chunk, false, w.strm, w.conn.sendDataFrame)
	case codec.KindFlush:
		return nil
	case codec.KindEnd:
		return w.conn.scheduler.submit(w.streamID, nil, true, w.strm, w.conn.sendDataFrame)
	default:
		return nil
	}
}

func (w *Writer) writeHeaders(v codec.Value) error {
	w.headersWritten = true

	var buf headerBlockBuffer
	enc := hpack.NewEncoder(&buf)
	fields := v.Headers.Clone()
	if fields == nil {
		fields = header.New()
	}
	for _, name := range []string{codec.PseudoStatus, codec.PseudoReason, codec.PseudoEntityLength, codec.PseudoPush} {
		fields.Del(name)
	}
	entityLength := v.Headers.Get(codec.PseudoEntityLength)
	if entityLength != "" && entityLength != codec.EntityLengthStreaming && entityLength != codec.EntityLengthNone {
		fields.Set("content-length", entityLength)
	}
	if !fields.Has("date") {
		fields.Set("date", w.conn.ticker.HTTPDate())
	}
	if w.conn.opts.SendServerToken && !fields.Has("server") {
		fields.Set("server", "Aerys")
	}

	if err := encodeResponseHeaders(enc, v.Status, fields); err != nil {
		return err
	}

	return w.conn.writeHeadersFrame(w.streamID, buf.Bytes())
}

// headerBlockBuffer is a minimal io.Writer accumulating HPACK output;
// named distinctly from bytes.Buffer only to keep this file's intent
// (collect, then hand to the Framer) obvious at the call site.
type headerBlockBuffer struct {
	b []byte
}

func (h *headerBlockBuffer) Write(p []byte) (int, error) {
	h.b = append(h.b, p...)
	return len(p), nil
}

func (h *headerBlockBuffer) Bytes() []byte { return h.b }
