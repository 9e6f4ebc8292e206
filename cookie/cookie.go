// Package cookie implements response Set-Cookie encoding and request
// Cookie header parsing per spec.md §6: setCookie(name, value, flags)
// encodes as "name=value; attr1; key=val; ..."; a max-age flag without an
// explicit expires flag synthesizes one from now + max-age; attribute
// names are lowercased. Grounded on the teacher's cli/cookie.go Set-Cookie
// serialization, adapted from net/http's Cookie struct to the spec's
// looser "ordered flag list" model instead of a fixed struct of fields.
package cookie

import (
	"strconv"
	"strings"
	"time"

	"github.com/wslaghekke/aerys/internal/clock"
)

// Flag is one Set-Cookie attribute: either bare ("HttpOnly", no value) or
// key=value ("max-age"=>"60"). Order is preserved because it is
// significant for some client parsers and for the round-trip test in
// spec.md §8.
type Flag struct {
	Key      string
	Value    string
	HasValue bool
}

// Bare returns a valueless flag, e.g. Bare("HttpOnly").
func Bare(key string) Flag { return Flag{Key: key} }

// KV returns a key=value flag, e.g. KV("max-age", "60").
func KV(key, value string) Flag { return Flag{Key: key, Value: value, HasValue: true} }

// sanitize strips bytes that would break the "name=value; attr" grammar:
// control characters, semicolons, and commas. Mirrors the teacher's
// sanitizeCookieValue/sanitizeCookieName defensive stripping.
func sanitize(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || c == ';' || c == ',' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Encode renders a Set-Cookie header value for name=value with the given
// flags, synthesizing an "expires" attribute from "max-age" when the
// caller supplied the former but not the latter (spec.md §6, §8).
func Encode(name, value string, flags []Flag, now time.Time) string {
	var b strings.Builder
	b.WriteString(sanitize(name))
	b.WriteByte('=')
	b.WriteString(sanitize(value))

	hasExpires := false
	var maxAge string
	hasMaxAge := false
	for _, f := range flags {
		if strings.EqualFold(f.Key, "expires") {
			hasExpires = true
		}
		if strings.EqualFold(f.Key, "max-age") {
			hasMaxAge = true
			maxAge = f.Value
		}
	}

	for _, f := range flags {
		b.WriteString("; ")
		b.WriteString(strings.ToLower(sanitize(f.Key)))
		if f.HasValue {
			b.WriteByte('=')
			// Attribute values keep commas: an RFC 1123 expires date has one.
			b.WriteString(strings.Map(func(r rune) rune {
				if r < 0x20 || r == 0x7f || r == ';' {
					return -1
				}
				return r
			}, f.Value))
		}
	}

	if hasMaxAge && !hasExpires {
		if secs, err := strconv.ParseInt(maxAge, 10, 64); err == nil {
			b.WriteString("; expires=")
			b.WriteString(clock.FormatExpires(now.Add(time.Duration(secs) * time.Second)))
		}
	}

	return b.String()
}

// ParseRequestHeader splits a request "Cookie: a=b; c=d" header value into
// a name->value map (unordered), preserving first-seen value on duplicate
// names (matches getCookie(name) returning a single value per spec.md §6).
func ParseRequestHeader(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !found {
			continue
		}
		if _, exists := out[name]; !exists {
			out[name] = strings.TrimSpace(value)
		}
	}
	return out
}
