// Package header implements the lowercased header map described in
// spec.md §3 and §9, keyed by the case-folded name. The order of values
// under one name is preserved; the order of names is not (the map is a
// plain Go map). Unlike the teacher's hdr package, which canonicalizes
// to MIME case ("Accept-Encoding") for wire fidelity, Aerys's internal
// representation always case-folds to lowercase: wire-casing is preserved
// separately in the HTTP/1 trace string or the HTTP/2 ordered pseudo/field
// list (§3, InternalRequest.trace), never in this map.
package header

import (
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Map is a lowercased header name -> ordered list of raw values, as
// required by spec.md §8's round-trip invariant: ingress lookups are
// case-insensitive, and getAllHeaders returns names lowercased.
type Map map[string][]string

// New returns an empty Map.
func New() Map { return make(Map) }

func foldKey(name string) string { return strings.ToLower(name) }

// Add appends value to any existing values for name.
func (m Map) Add(name, value string) {
	key := foldKey(name)
	m[key] = append(m[key], value)
}

// Set replaces all values for name with a single value.
func (m Map) Set(name, value string) {
	m[foldKey(name)] = []string{value}
}

// Get returns the first value for name, or "" if absent (spec.md §8).
func (m Map) Get(name string) string {
	if m == nil {
		return ""
	}
	v := m[foldKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values for name in insertion order.
func (m Map) Values(name string) []string {
	return m[foldKey(name)]
}

// Del removes all values for name.
func (m Map) Del(name string) {
	delete(m, foldKey(name))
}

// Has reports whether name has at least one value.
func (m Map) Has(name string) bool {
	return len(m[foldKey(name)]) > 0
}

// Clone returns a deep copy.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// SortedNames returns the lowercased header names in sorted order, used
// when a deterministic iteration order is needed (e.g. HPACK encoding of
// response headers for golden-file tests).
func (m Map) SortedNames() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidName reports whether name is a legal HTTP field-name token. Used by
// the HTTP/1 header-block parser and by HTTP/2 HPACK field validation.
func ValidName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}

// ValidValue reports whether value is legal as an HTTP field value (no bare
// CR/LF, no embedded NUL).
func ValidValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}
