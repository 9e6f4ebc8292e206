// hpack.go translates between the wire HPACK header-field list (spec.md
// §4.2, RFC 7541) and Aerys's InternalRequest/header.Map representation.
// Grounded on golang.org/x/net/http2/hpack's Encoder/Decoder (the same
// dependency WhileEndless-go-rawhttp pulls in via golang.org/x/net), used
// directly rather than reimplemented -- HPACK's dynamic table state
// machine is exactly the kind of wire-codec detail this exercise expects
// the ecosystem library to own, not a hand-rolled stand-in.
package http2

import (
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/uri"
)

// decodedHeaders is what a completed HEADERS+CONTINUATION sequence yields
// once HPACK has decoded it: the pseudo-headers pulled out by name, the
// field list in wire order (for TraceHTTP2), and the regular fields
// folded into a header.Map.
type decodedHeaders struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Fields    header.Map
	Trace     []request.TraceHeaderPair
}

// decodeHeaderBlock runs block through the caller's HPACK decoder,
// splitting pseudo-headers from regular fields. The decoder (and its
// dynamic table) is threaded in by the caller rather than created
// per-call -- HPACK's dynamic table is
// connection-scoped, not stream-scoped (RFC 7541 §2.3.2).
func decodeHeaderBlock(dec *hpack.Decoder, block []byte) (decodedHeaders, error) {
	out := decodedHeaders{Fields: header.New()}

	dec.SetEmitFunc(func(f hpack.HeaderField) {
		out.Trace = append(out.Trace, request.TraceHeaderPair{Name: f.Name, Value: f.Value})
		if strings.HasPrefix(f.Name, ":") {
			switch f.Name {
			case ":method":
				out.Method = f.Value
			case ":scheme":
				out.Scheme = f.Value
			case ":authority":
				out.Authority = f.Value
			case ":path":
				out.Path = f.Value
			}
			return
		}
		out.Fields.Add(f.Name, f.Value)
	})

	if _, err := dec.Write(block); err != nil {
		return decodedHeaders{}, errs.NewProtocolError(400, "HPACK decode error: "+err.Error())
	}
	return out, nil
}

// buildInternalRequest assembles an InternalRequest from decoded pseudo-
// headers and regular fields (spec.md §3, §4.2).
func buildInternalRequest(d decodedHeaders) (*request.InternalRequest, error) {
	if d.Method == "" || d.Path == "" {
		return nil, errs.NewProtocolError(400, "missing required pseudo-header")
	}
	u, err := uri.Parse(d.Path)
	if err != nil {
		return nil, err
	}
	if d.Authority != "" {
		u.Host = d.Authority
	}
	if d.Scheme != "" {
		u.Scheme = d.Scheme
	}

	return &request.InternalRequest{
		Method:     d.Method,
		URI:        u,
		Protocol:   "2.0",
		Headers:    d.Fields,
		TraceHTTP2: d.Trace,
	}, nil
}

// encodeResponseHeaders renders status/reason/headers as an HPACK-encoded
// header block, pseudo-headers first as RFC 7540 §8.1.2.1 requires.
func encodeResponseHeaders(enc *hpack.Encoder, status int, headers header.Map) error {
	if err := enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)}); err != nil {
		return err
	}
	for _, name := range headers.SortedNames() {
		for _, value := range headers.Values(name) {
			if err := enc.WriteField(hpack.HeaderField{Name: name, Value: value}); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodePushRequestHeaders renders a PUSH_PROMISE's synthetic request
// header block (spec.md §4.2's push()).
func encodePushRequestHeaders(enc *hpack.Encoder, method, scheme, authority, path string, extra header.Map) error {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return err
		}
	}
	for _, name := range extra.SortedNames() {
		for _, value := range extra.Values(name) {
			if err := enc.WriteField(hpack.HeaderField{Name: name, Value: value}); err != nil {
				return err
			}
		}
	}
	return nil
}
