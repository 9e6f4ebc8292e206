package codec

import "context"

// NullBodyFilter drops body bytes for HEAD requests and for 1xx/204/304
// responses (spec.md §4.3). It is stateless across chunks: once Headers
// decides "no body allowed" for this response, every Chunk is swallowed
// but Flush/End still propagate so downstream filters and the driver see
// a clean terminal sequence.
type NullBodyFilter struct {
	isHead   bool
	suppress bool
}

func NewNullBodyFilter(isHead bool) *NullBodyFilter {
	return &NullBodyFilter{isHead: isHead}
}

func (f *NullBodyFilter) Key() string { return "null-body" }

func statusSuppressesBody(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}

func (f *NullBodyFilter) Process(ctx context.Context, in Value, emit Emit) error {
	switch in.Kind {
	case KindHeaders:
		f.suppress = f.isHead || statusSuppressesBody(in.Status)
		if f.suppress {
			h := in.Headers.Clone()
			h.Set(PseudoEntityLength, EntityLengthNone)
			h.Del("content-length")
			h.Del("transfer-encoding")
			in.Headers = h
		}
		return emit(in)
	case KindChunk:
		if f.suppress {
			return nil
		}
		return emit(in)
	default:
		return emit(in)
	}
}
