// Package driver declares HttpDriver, the interface spec.md §2 describes
// as "polymorphic over {HTTP/1.1, HTTP/2}": it owns the parse/serialize
// state machine for one connection, producing InternalRequest values and
// consuming codec.Value streams to answer them.
package driver

import (
	"bufio"
	"context"
	"errors"
	"net"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/request"
)

// ErrHijacked is returned by Dispatch when a responder has taken over the
// raw connection (the WebSocket upgrade path, spec.md §4.4: "relinquishes
// the raw socket from the HTTP driver to itself"). A driver's Serve loop
// must stop reading and return nil without draining the body or attempting
// to write a response on seeing this error, mirroring the teacher's
// ErrHijacked/StateHijacked handling in its own conn.go.
var ErrHijacked = errors.New("aerys: connection hijacked")

// Hijacker is implemented by drivers that support relinquishing their raw
// connection mid-request (HTTP/1 only; spec.md §4.4 has no WebSocket-over-
// HTTP/2 path). Modeled directly on the teacher's Hijacker interface.
type Hijacker interface {
	Hijack() (net.Conn, *bufio.Reader, error)
}

// LocalVarHijacker is the InternalRequest.Locals key a driver stashes
// itself (as a Hijacker) under before calling Dispatch, so a responder
// that decides to upgrade the connection (spec.md §4.4) can retrieve it
// without InternalRequest needing a direct field back to its driver.
const LocalVarHijacker = "aerys.hijacker"

// Pusher is implemented by drivers that support server push (HTTP/2 only;
// spec.md §4.2's push()). Stashed under LocalVarPusher so a responder can
// turn a queued response.Response.Push entry into an actual PUSH_PROMISE
// without the response builder needing to know about streams or frames.
type Pusher interface {
	Push(method, path string, extraHeaders header.Map) error
}

// LocalVarPusher is the InternalRequest.Locals key a driver stashes itself
// (as a Pusher) under before calling Dispatch. HTTP/1 sets no such local,
// since it has no push capability; code consuming response.Response.Push
// must treat a missing Pusher as "push is a no-op on this connection".
const LocalVarPusher = "aerys.pusher"

// Dispatch runs req's middleware chain and codec pipeline to completion,
// feeding every resulting codec.Value to reply. The driver supplies reply
// already bound to the correct per-stream write ordering (for HTTP/1 this
// is "whatever the connection is currently serving"; for HTTP/2 it is the
// stream's own frame writer), so Dispatch itself never touches the wire.
type Dispatch func(ctx context.Context, req *request.InternalRequest, reply codec.Emit) error

// HttpDriver drives one connection's protocol state machine. Serve reads
// from the connection until it is closed or ctx is cancelled, calling
// dispatch for each fully-parsed request and blocking (per request, for
// HTTP/1; per stream, for HTTP/2) until dispatch has fully drained the
// response -- this is what gives spec.md §4.1's "strict in-order response
// writing" guarantee without a separate reordering buffer.
type HttpDriver interface {
	// Serve runs the connection's read/dispatch loop until EOF, a fatal
	// protocol error, or ctx cancellation.
	Serve(ctx context.Context, dispatch Dispatch) error

	// Protocol identifies the driver's wire protocol ("1.0", "1.1", "2.0").
	Protocol() string

	// Close tears down driver-owned resources (HPACK tables, timers).
	Close() error
}
