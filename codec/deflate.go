// deflateResponseFilter implements spec.md §4.3's gzip compression filter.
// It is the one filter whose Headers value isn't emitted immediately: the
// decision to compress depends on whether the buffered body ever reaches
// deflateMinimumLength, so the (possibly rewritten) Headers value is held
// until that's known -- either the threshold is crossed (compress) or End
// arrives first (spec.md §9's resolved open question: pass through
// uncompressed with the original headers and the buffered body as-is).
//
// Uses klauspost/compress/gzip rather than compress/gzip because its
// Writer.Flush can be called repeatedly to emit an independently
// decodable chunk per deflateBufferSize-sized input slice, which is what
// "feeds deflate_add in chunks, emitting compressed output" (spec.md
// §4.3) needs for a streamed, chunked-transfer response.
package codec

import (
	"bytes"
	"context"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wslaghekke/aerys/options"
)

type deflatePhase int

const (
	deflateUndecided deflatePhase = iota
	deflateBuffering
	deflateCompressing
	deflatePassthrough
)

// DeflateFilter is constructed per-response by the pipeline, which already
// knows the request's Accept-Encoding and the protocol version.
type DeflateFilter struct {
	opts          *options.Options
	acceptsGzip   bool
	httpProtocol  string // "1.0" or "1.1"; stored but not read: the filter always sets a "*" entity length and the driver picks the framing

	phase      deflatePhase
	pending    Value // held Headers value, valid while phase is Undecided/Buffering
	buffer     []byte

	gz     *gzip.Writer
	out    *bytes.Buffer
}

func NewDeflateFilter(opts *options.Options, acceptEncodingHeader string, httpProtocol string) *DeflateFilter {
	return &DeflateFilter{
		opts:         opts,
		acceptsGzip:  strings.Contains(strings.ToLower(acceptEncodingHeader), "gzip"),
		httpProtocol: httpProtocol,
	}
}

func (f *DeflateFilter) Key() string { return "deflate-response" }

func (f *DeflateFilter) Process(ctx context.Context, in Value, emit Emit) error {
	switch in.Kind {
	case KindHeaders:
		return f.onHeaders(in, emit)
	case KindChunk:
		return f.onChunk(in, emit)
	case KindFlush:
		return f.onFlush(in, emit)
	case KindEnd:
		return f.onEnd(in, emit)
	default:
		return emit(in)
	}
}

func (f *DeflateFilter) onHeaders(in Value, emit Emit) error {
	contentType := in.Headers.Get("content-type")
	alreadyEncoded := in.Headers.Has("content-encoding")

	eligible := f.opts.DeflateEnable && f.acceptsGzip && !alreadyEncoded && f.opts.DeflateDecision(contentType)
	if !eligible {
		f.phase = deflatePassthrough
		return emit(in)
	}

	f.phase = deflateBuffering
	f.pending = in
	return nil
}

func (f *DeflateFilter) onChunk(in Value, emit Emit) error {
	switch f.phase {
	case deflatePassthrough:
		return emit(in)
	case deflateCompressing:
		return f.feed(in.Chunk, emit)
	case deflateBuffering:
		f.buffer = append(f.buffer, in.Chunk...)
		if len(f.buffer) < f.minLen() {
			return nil
		}
		if err := f.beginCompressing(emit); err != nil {
			return err
		}
		buf := f.buffer
		f.buffer = nil
		return f.feed(buf, emit)
	default:
		return emit(in)
	}
}

func (f *DeflateFilter) onFlush(in Value, emit Emit) error {
	if f.phase != deflateCompressing {
		return emit(in)
	}
	if err := f.gz.Flush(); err != nil {
		return err
	}
	if err := f.drain(emit); err != nil {
		return err
	}
	return emit(in)
}

func (f *DeflateFilter) onEnd(in Value, emit Emit) error {
	switch f.phase {
	case deflateCompressing:
		if err := f.gz.Close(); err != nil {
			return err
		}
		if err := f.drain(emit); err != nil {
			return err
		}
		return emit(in)
	case deflateBuffering:
		// Never reached deflateMinimumLength: pass through uncompressed
		// with the original headers and whatever was buffered.
		if err := emit(f.pending); err != nil {
			return err
		}
		if len(f.buffer) > 0 {
			if err := emit(Chunk(f.buffer)); err != nil {
				return err
			}
		}
		return emit(in)
	default:
		return emit(in)
	}
}

func (f *DeflateFilter) minLen() int {
	if f.opts.DeflateMinimumLength <= 0 {
		return 1
	}
	return f.opts.DeflateMinimumLength
}

func (f *DeflateFilter) beginCompressing(emit Emit) error {
	f.phase = deflateCompressing
	h := f.pending.Headers.Clone()
	h.Del("content-length")
	h.Set("content-encoding", "gzip")
	h.Set(PseudoEntityLength, EntityLengthStreaming)
	rewritten := f.pending
	rewritten.Headers = h
	if err := emit(rewritten); err != nil {
		return err
	}
	f.out = &bytes.Buffer{}
	f.gz = gzip.NewWriter(f.out)
	return nil
}

// feed writes data to the gzip writer in deflateBufferSize-sized slices,
// flushing and emitting compressed output after each slice.
func (f *DeflateFilter) feed(data []byte, emit Emit) error {
	bufSize := f.opts.DeflateBufferSize
	if bufSize <= 0 {
		bufSize = len(data)
		if bufSize == 0 {
			bufSize = 1
		}
	}
	for len(data) > 0 {
		n := bufSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := f.gz.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if err := f.gz.Flush(); err != nil {
			return err
		}
		if err := f.drain(emit); err != nil {
			return err
		}
	}
	return nil
}

func (f *DeflateFilter) drain(emit Emit) error {
	if f.out.Len() == 0 {
		return nil
	}
	out := make([]byte, f.out.Len())
	copy(out, f.out.Bytes())
	f.out.Reset()
	return emit(Chunk(out))
}
