// Package request implements InternalRequest, the server-side canonical
// representation of an in-flight request described in spec.md §3.
package request

import (
	"context"

	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/stream"
	"github.com/wslaghekke/aerys/uri"
)

// ConnLocalVar is the Locals key under which the owning connection stashes
// its ConnectionInfo snapshot (spec.md §6's getConnectionInfo()). Typed as
// any here since the concrete type (server.ConnectionInfo) lives above
// request in the import graph.
const ConnLocalVar = "aerys.conninfo"

// Responder produces the canonical Response for a dispatched request. It
// is the innermost stage the middleware chain wraps (spec.md §4.3).
type Responder func(ctx context.Context, r *InternalRequest) (any, error)

// Middleware wraps the next pipeline stage, able to inspect/override the
// produced response (spec.md §4.3, glossary "Middleware"). Submit invokes
// the next stage (either the next middleware or the terminal Responder)
// and returns its response.
type Middleware func(ctx context.Context, r *InternalRequest, submit func(context.Context) (any, error)) (any, error)

// TraceHeaderPair is one (name, value) pair as they appeared on the wire,
// in HTTP/2's ordered header-block representation (spec.md §3, trace
// field).
type TraceHeaderPair struct {
	Name  string
	Value string
}

// InternalRequest is immutable after construction except for Locals, Body
// (replaced on a body-size upgrade), FilterErrorFlag, and MiddlewareIndex
// (spec.md §3).
type InternalRequest struct {
	Method   string
	URI      uri.URI
	Protocol string // "1.0", "1.1", "2.0"

	Headers header.Map
	Cookies map[string]string

	// Trace carries the exact raw header block for HTTP/1 (wire fidelity
	// for access logs/debugging) or the ordered [name,value] pair list
	// HPACK decoded for HTTP/2, since HTTP/2 has no single literal block.
	TraceHTTP1 string
	TraceHTTP2 []TraceHeaderPair

	StreamID int // 0 for HTTP/1; positive odd for HTTP/2 client-initiated

	Time     int64
	HTTPDate string

	MaxBodySize int64
	Body        *stream.Message

	Middlewares    []Middleware
	MiddlewareIndex int
	Responder      Responder

	// FilterErrorFlag and BadFilterKeys are set by the codec runtime when
	// a filter raises (spec.md §4.3).
	FilterErrorFlag bool
	BadFilterKeys   []string

	// Locals holds per-request local variables set/read by middlewares
	// (Request.getLocalVar/setLocalVar, spec.md §6).
	Locals map[string]any

	// ClientID back-references the owning connection for logging and for
	// looking up the client's BodyEmitter/response queue by StreamID. It
	// is a relation only: the client's lifetime outlives the request
	// (spec.md §3 "Ownership").
	ClientID string

	// Opts is the process-wide configuration, for getOption(name) (spec.md
	// §6). Never nil once a driver has built the request.
	Opts *options.Options
}

// GetHeader returns the first value of name, case-insensitively (spec.md
// §6, §8).
func (r *InternalRequest) GetHeader(name string) string {
	return r.Headers.Get(name)
}

// GetHeaderArray returns every value of name in arrival order.
func (r *InternalRequest) GetHeaderArray(name string) []string {
	return r.Headers.Values(name)
}

// GetAllHeaders returns the full lowercased header map (spec.md §8).
func (r *InternalRequest) GetAllHeaders() header.Map {
	return r.Headers
}

// GetCookie returns the named request cookie, if present.
func (r *InternalRequest) GetCookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// GetLocalVar returns a per-request local previously set with SetLocalVar.
func (r *InternalRequest) GetLocalVar(name string) (any, bool) {
	if r.Locals == nil {
		return nil, false
	}
	v, ok := r.Locals[name]
	return v, ok
}

// SetLocalVar stores a per-request local (the one field besides Body that
// mutates after construction, per spec.md §3).
func (r *InternalRequest) SetLocalVar(name string, value any) {
	if r.Locals == nil {
		r.Locals = make(map[string]any)
	}
	r.Locals[name] = value
}

// GetOption looks up a named configuration value (spec.md §6
// getOption(name)).
func (r *InternalRequest) GetOption(name string) (any, bool) {
	return r.Opts.Get(name)
}

// ConnectionInfo returns the owning connection's introspection snapshot, if
// the driver populated one under ConnLocalVar (spec.md §6
// getConnectionInfo()).
func (r *InternalRequest) ConnectionInfo() (any, bool) {
	return r.GetLocalVar(ConnLocalVar)
}

// UpgradeBodySize raises the effective body-size cap mid-stream and lets
// the consumer keep reading the same Body handle (spec.md §4.1, §9 "body
// handle forwards to a current underlying producer").
func (r *InternalRequest) UpgradeBodySize(emitter *stream.BodyEmitter, newMax int64) {
	r.MaxBodySize = newMax
	emitter.UpgradeBodySize(newMax)
}

// Dispatch runs the middleware chain starting at index 0 down to the
// terminal Responder, implementing "middlewares[0] wraps middlewares[1]
// wraps ... wraps the responder" (spec.md §4.3).
func Dispatch(ctx context.Context, r *InternalRequest) (any, error) {
	return dispatchFrom(ctx, r, 0)
}

func dispatchFrom(ctx context.Context, r *InternalRequest, index int) (any, error) {
	if index >= len(r.Middlewares) {
		return r.Responder(ctx, r)
	}
	r.MiddlewareIndex = index
	mw := r.Middlewares[index]
	return mw(ctx, r, func(ctx context.Context) (any, error) {
		return dispatchFrom(ctx, r, index+1)
	})
}
