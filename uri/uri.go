// Package uri parses request targets into the scheme/host/port/path/query
// parts InternalRequest carries (spec.md §3), and implements the
// x-www-form-urlencoded query parsing rules of spec.md §6. Built on
// net/url: URL parsing and percent-decoding are universally stdlib even in
// the dependency-heavy repos of the retrieval pack (e.g.
// WhileEndless-go-rawhttp's proxy_parser.go), so this is one of the
// intentional stdlib-only components (see DESIGN.md).
package uri

import (
	"net/url"
	"strings"

	"github.com/wslaghekke/aerys/errs"
)

// URI is the parsed form of a request target, mirroring InternalRequest's
// uriScheme/uriHost/uriPort/uriPath/uriQuery fields.
type URI struct {
	Scheme string
	Host   string
	Port   string
	Path   string
	Query  string
}

// Parse parses a request-line target. For origin-form targets ("/a?b=c")
// scheme/host/port are left empty; the driver fills Host from the Host
// header during vhost selection.
func Parse(target string) (URI, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		// CONNECT and asterisk-form ("*") targets aren't RequestURIs.
		if target == "*" {
			return URI{Path: "*"}, nil
		}
		return URI{}, errs.NewProtocolError(400, "malformed request target: "+err.Error())
	}
	return URI{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
		Path:   u.Path,
		Query:  u.RawQuery,
	}, nil
}

// QueryParams parses an application/x-www-form-urlencoded query string
// into an ordered list of (key, value) pairs -- preserving repeats, unlike
// net/url.Values' map -- and enforces maxInputVars (spec.md §6).
func QueryParams(rawQuery string, maxInputVars int) ([][2]string, error) {
	var out [][2]string
	if rawQuery == "" {
		return out, nil
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		if maxInputVars > 0 && len(out) >= maxInputVars {
			return nil, errs.NewClientSizeException("query-vars", int64(len(out)+1), int64(maxInputVars))
		}
		key, value, _ := strings.Cut(pair, "=")
		dk, err := url.QueryUnescape(strings.ReplaceAll(key, "+", " "))
		if err != nil {
			return nil, errs.NewProtocolError(400, "malformed query key: "+err.Error())
		}
		dv, err := url.QueryUnescape(strings.ReplaceAll(value, "+", " "))
		if err != nil {
			return nil, errs.NewProtocolError(400, "malformed query value: "+err.Error())
		}
		out = append(out, [2]string{dk, dv})
	}
	return out, nil
}

// Get returns the first value for key in params, and whether it was found.
func Get(params [][2]string, key string) (string, bool) {
	for _, kv := range params {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

// All returns every value for key in insertion order.
func All(params [][2]string, key string) []string {
	var out []string
	for _, kv := range params {
		if kv[0] == key {
			out = append(out, kv[1])
		}
	}
	return out
}
