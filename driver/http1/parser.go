// Package http1 implements the HTTP/1.0 and HTTP/1.1 connection driver of
// spec.md §4.1: a streaming, chunk-fed parser over AWAIT_REQUEST_LINE ->
// AWAIT_HEADERS -> DISPATCH -> AWAIT_BODY, and a serializer that writes
// responses strictly in request-arrival order.
//
// Grounded on the teacher's own request-line/header reading style
// (badu-http's chunk-line reader in utils_chunks.go, and its header
// line-length/byte-budget enforcement in types_server.go's
// DefaultMaxHeaderBytes), generalized to Aerys's per-Options limits and
// lowercased header.Map instead of net/http's canonical-case Header.
package http1

import (
	"bufio"
	"strings"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
)

// maxRequestLineLength bounds a single request-line read, independent of
// maxHeaderSize (the teacher's ErrLineTooLong budget, reused for the
// request line specifically).
const maxRequestLineLength = 8192

// RequestLine is the parsed first line of an HTTP/1.x request.
type RequestLine struct {
	Method   string
	Target   string
	Protocol string // "1.0" or "1.1"
}

// readLine reads one CRLF- or LF-terminated line, trims the terminator,
// and enforces maxLen -- same "give up if it exceeds maxLineLength"
// discipline as the teacher's readChunkLine.
func readLine(r *bufio.Reader, maxLen int) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull || len(line) > maxLen {
			return nil, errs.NewProtocolError(414, "request line too long")
		}
		return nil, err
	}
	if len(line) > maxLen {
		return nil, errs.NewProtocolError(414, "request line too long")
	}
	line = []byte(strings.TrimRight(string(line), "\r\n"))
	// Re-slice: ReadSlice aliases the bufio internal buffer and returning
	// it after the next read would be unsafe, so copy now.
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// ParseRequestLine parses "METHOD SP target SP HTTP/x.y" per spec.md
// §4.1 state 1. normalizeMethodCase controls whether a lowercase/mixed-
// case method is accepted and upper-cased (true) or rejected with 501
// (false).
func ParseRequestLine(r *bufio.Reader, normalizeMethodCase bool) (RequestLine, error) {
	raw, err := readLine(r, maxRequestLineLength)
	if err != nil {
		return RequestLine{}, err
	}
	if len(raw) == 0 {
		return RequestLine{}, errs.NewProtocolError(400, "empty request line")
	}
	parts := strings.SplitN(string(raw), " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, errs.NewProtocolError(400, "malformed request line")
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if normalizeMethodCase {
		method = strings.ToUpper(method)
	} else if method != strings.ToUpper(method) {
		return RequestLine{}, errs.NewProtocolError(501, "method case normalization disabled")
	}

	version, err := parseHTTPVersion(proto)
	if err != nil {
		return RequestLine{}, err
	}
	return RequestLine{Method: method, Target: target, Protocol: version}, nil
}

func parseHTTPVersion(s string) (string, error) {
	switch s {
	case "HTTP/1.0":
		return "1.0", nil
	case "HTTP/1.1":
		return "1.1", nil
	default:
		return "", errs.NewProtocolError(400, "unsupported or malformed protocol version: "+s)
	}
}

// ParseHeaders reads a folded header block up to the terminating blank
// line, enforcing maxHeaderSize, lowercasing names into a header.Map
// while also returning the literal block for InternalRequest.TraceHTTP1
// (spec.md §4.1 state 2, §3 "trace").
func ParseHeaders(r *bufio.Reader, maxHeaderSize int64) (header.Map, string, error) {
	h := header.New()
	var trace strings.Builder
	var total int64

	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			return nil, "", err
		}
		total += int64(len(line))
		if maxHeaderSize > 0 && total > maxHeaderSize {
			return nil, "", errs.NewProtocolError(431, "header block exceeds maxHeaderSize")
		}
		trace.Write(line)

		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			break
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, "", errs.NewProtocolError(400, "malformed header line")
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !header.ValidName(name) {
			return nil, "", errs.NewProtocolError(400, "invalid header field name: "+name)
		}
		h.Add(name, value)
	}
	return h, trace.String(), nil
}
