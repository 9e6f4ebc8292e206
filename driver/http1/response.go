// response.go serializes a codec.Value stream into HTTP/1.x wire bytes,
// per spec.md §4.1's "Response serialization": the driver turns
// :aerys-entity-length into Content-Length/Transfer-Encoding/Connection,
// applies the status->phrase table for an unset :reason, stamps Date from
// the Ticker, and stamps Server iff sendServerToken.
package http1

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/response"
	"github.com/wslaghekke/aerys/stream"
)

// ServerToken is what spec.md §4.1 calls SERVER_TOKEN, sent as the Server
// header when Options.SendServerToken is set.
const ServerToken = "Aerys"

// Writer serializes one response's codec.Value stream to sink in wire
// order. A Writer is single-use: create one per response.
type Writer struct {
	sink            *stream.Sink
	protocol        string // "1.0" or "1.1"
	sendServerToken bool
	httpDate        string

	// KeepAlive is resolved by the caller (conn.go) from the request's
	// Connection header and protocol default, and controls whether
	// Connection: close is written. A "*" entity-length is framed by
	// protocol: chunked on 1.1, close-delimited on 1.0 (which also clears
	// KeepAlive) -- spec.md §4.1.
	KeepAlive bool

	wroteHeaders bool
}

func NewWriter(sink *stream.Sink, protocol string, sendServerToken bool, httpDate string, keepAlive bool) *Writer {
	return &Writer{sink: sink, protocol: protocol, sendServerToken: sendServerToken, httpDate: httpDate, KeepAlive: keepAlive}
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
		return w.writeHeaders(ctx, v)
	case codec.KindChunk:
		if len(v.Chunk) == 0 {
			return nil
		}
		return w.sink.Write(ctx, v.Chunk)
	case codec.KindFlush, codec.KindEnd:
		return nil
	default:
		return nil
	}
}

func (w *Writer) writeHeaders(ctx context.Context, v codec.Value) error {
	w.wroteHeaders = true
	reason := v.Reason
	if reason == "" {
		reason = response.ReasonPhrase(v.Status)
	}

	var b bytes.Buffer
	b.WriteString("HTTP/")
	b.WriteString(w.protocol)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(v.Status))
	b.WriteByte(' ')
	b.WriteString(reason)
	b.WriteString("\r\n")

	entityLength := v.Headers.Get(codec.PseudoEntityLength)
	framing := w.framingHeaders(entityLength)

	for name, values := range v.Headers {
		if codec.IsPseudoHeader(name) {
			continue
		}
		for _, value := range values {
			writeHeaderLine(&b, name, value)
		}
	}
	for name, value := range framing {
		writeHeaderLine(&b, name, value)
	}
	if !v.Headers.Has("date") {
		writeHeaderLine(&b, "date", w.httpDate)
	}
	if w.sendServerToken && !v.Headers.Has("server") {
		writeHeaderLine(&b, "server", ServerToken)
	}
	b.WriteString("\r\n")

	return w.sink.Write(ctx, b.Bytes())
}

// framingHeaders translates :aerys-entity-length into the wire headers
// that express it, and resolves keep-alive vs close for this response
// (spec.md §4.1).
func (w *Writer) framingHeaders(entityLength string) map[string]string {
	out := make(map[string]string, 2)
	switch entityLength {
	case codec.EntityLengthNone, "":
		if w.protocol == "1.0" && !w.KeepAlive {
			out["connection"] = "close"
		}
	case codec.EntityLengthStreaming:
		if w.protocol == "1.1" {
			out["transfer-encoding"] = "chunked"
		} else {
			out["connection"] = "close"
			w.KeepAlive = false
		}
	default:
		out["content-length"] = entityLength
		if w.protocol == "1.0" && !w.KeepAlive {
			out["connection"] = "close"
		}
	}
	if w.protocol == "1.1" && !w.KeepAlive {
		out["connection"] = "close"
	} else if w.protocol == "1.1" && w.KeepAlive {
		// HTTP/1.1 defaults to keep-alive; omit the header.
	}
	return out
}

func writeHeaderLine(b *bytes.Buffer, name, value string) {
	b.WriteString(canonicalDisplayCase(name))
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// canonicalDisplayCase renders a lowercased internal header name back into
// MIME canonical case for the wire ("content-type" -> "Content-Type"),
// since Aerys's internal Map is always lowercase (header package doc) but
// the wire convention most clients expect is canonical case.
func canonicalDisplayCase(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if len(p) == 0 {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
