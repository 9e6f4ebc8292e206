// Package response implements Response, the mutable builder described in
// spec.md §3, and the generic HTML error body of spec.md §6.
package response

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/wslaghekke/aerys/cookie"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
)

// State bits for a streaming response (spec.md §3).
const (
	StateStarted State = 1 << iota
	StateStreaming
	StateEnded
)

type State uint8

// CookieEntry is one Set-Cookie to be emitted, paired with its name so the
// codec can render it in a deterministic order.
type CookieEntry struct {
	Name  string
	Value string
	Flags []cookie.Flag
}

// WriteRequest carries one piece of the streaming body and the completion
// channel Write/End return (spec.md §6's write(bytes)->completionHandle).
type WriteRequest struct {
	Data []byte
	End  bool
	done chan error
}

// Response is the user-visible, mutable builder of a server reply
// (spec.md §3). Status must be in [100,599] once finalized. Pseudo-headers
// ":status", ":reason", ":aerys-entity-length", and ":aerys-push" are
// allowed in Headers; they are interpreted by the codec and HTTP drivers
// and never reach the wire (spec.md §6).
type Response struct {
	Status  int
	Reason  string
	Headers header.Map
	Cookies []CookieEntry

	// Push entries map a push target URL to its extra request headers
	// (spec.md §4.2, §6).
	Push map[string]header.Map

	state State

	// body is populated for the common in-memory case; nil if Stream was
	// used to go fully streaming.
	body []byte

	writes chan WriteRequest
	closed chan struct{}
}

// New creates an empty, unstarted Response.
func New(status int) *Response {
	return &Response{
		Status:  status,
		Headers: header.New(),
	}
}

// SetStatus sets the status code. Programmer error (panics) if called
// after the response has started streaming, matching the teacher's
// pattern of hard-failing on post-write header mutation.
func (r *Response) SetStatus(status int) {
	r.mustNotBeStarted("SetStatus")
	r.Status = status
}

// SetReason sets the reason phrase (spec.md §4.1 "reason defaulting from a
// status->phrase table" when empty).
func (r *Response) SetReason(reason string) {
	r.mustNotBeStarted("SetReason")
	r.Reason = reason
}

// AddHeader appends a header value.
func (r *Response) AddHeader(name, value string) {
	r.mustNotBeStarted("AddHeader")
	r.Headers.Add(name, value)
}

// SetHeader replaces all values of a header.
func (r *Response) SetHeader(name, value string) {
	r.mustNotBeStarted("SetHeader")
	r.Headers.Set(name, value)
}

// SetCookie encodes name=value with flags into a queued Set-Cookie entry
// (spec.md §6).
func (r *Response) SetCookie(name, value string, flags []cookie.Flag) {
	r.mustNotBeStarted("SetCookie")
	r.Cookies = append(r.Cookies, CookieEntry{Name: name, Value: value, Flags: flags})
}

// RenderCookies produces the Set-Cookie header values for all queued
// cookies, evaluated at now (for max-age->expires synthesis).
func (r *Response) RenderCookies(now time.Time) []string {
	out := make([]string, 0, len(r.Cookies))
	for _, c := range r.Cookies {
		out = append(out, cookie.Encode(c.Name, c.Value, c.Flags, now))
	}
	return out
}

// AddPush registers a server push target (spec.md §4.2, §6); same-authority
// and Host-override validation happens in the HTTP/2 driver (spec.md §9's
// resolved open question), not here, since only the driver knows the
// originating request's authority.
func (r *Response) AddPush(url string, extraHeaders header.Map) {
	r.mustNotBeStarted("AddPush")
	if r.Push == nil {
		r.Push = make(map[string]header.Map)
	}
	r.Push[url] = extraHeaders
}

// SetBody sets the entire response body at once (the non-streaming path).
// Programmer error to combine with Write/End.
func (r *Response) SetBody(body []byte) {
	r.mustNotBeStarted("SetBody")
	r.body = body
}

// Body returns the in-memory body set via SetBody, if any.
func (r *Response) Body() []byte { return r.body }

func (r *Response) mustNotBeStarted(op string) {
	if r.state&StateStarted != 0 {
		panic(errs.NewInternalError(op+" called after response started", nil))
	}
}

// Stream switches the Response into streaming mode and creates the
// channel of write requests the codec drains (see Writes); call this once
// per Response. Write/End panic if called before Stream.
func (r *Response) Stream() {
	r.mustNotBeStarted("Stream")
	r.state |= StateStarted | StateStreaming
	r.writes = make(chan WriteRequest)
	r.closed = make(chan struct{})
}

// Writes exposes the stream of write requests for the codec to drain.
func (r *Response) Writes() <-chan WriteRequest { return r.writes }

// Write pushes a body chunk to the codec and returns a completion handle
// (spec.md §6 write(bytes)->completionHandle). Writing after End is a
// programmer error.
func (r *Response) Write(ctx context.Context, b []byte) error {
	if r.state&StateEnded != 0 {
		panic(errs.NewInternalError("Write called after End", nil))
	}
	return r.send(ctx, b, false)
}

// End finalizes the response, optionally with a last chunk. Per spec.md
// §8's idempotence invariant: repeat calls to End after the first are
// no-ops returning success; calling End with non-empty bytes after the
// first End is a programmer error.
func (r *Response) End(ctx context.Context, last []byte) error {
	if r.state&StateEnded != 0 {
		if len(last) > 0 {
			panic(errs.NewInternalError("End called with data after the stream already ended", nil))
		}
		return nil
	}
	err := r.send(ctx, last, true)
	r.state |= StateEnded
	if r.closed != nil {
		close(r.closed)
	}
	return err
}

func (r *Response) send(ctx context.Context, b []byte, end bool) error {
	if r.writes == nil {
		panic(errs.NewInternalError("Write/End called before Stream", nil))
	}
	req := WriteRequest{Data: b, End: end, done: make(chan error, 1)}
	select {
	case r.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve is called by the codec runtime to acknowledge a write request
// (or fail it) by delivering err to the waiting Write/End call. It does
// not close the write channel.
func Resolve(req any, err error) {
	wr := req.(WriteRequest)
	wr.done <- err
}

// MakeGenericBody renders the plain-HTML client-facing error body of
// spec.md §6: "<html>...<h1>CODE REASON</h1>...</html>".
func MakeGenericBody(status int, reason, subHeading, msg, serverToken, httpDate string) string {
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	body := fmt.Sprintf("<html>\n<head>\n<title>%d %s</title>\n</head>\n<body>\n<h1>%d %s</h1>\n",
		status, html.EscapeString(reason), status, html.EscapeString(reason))
	if subHeading != "" {
		body += fmt.Sprintf("<h3>%s</h3>\n", html.EscapeString(subHeading))
	}
	if msg != "" {
		body += fmt.Sprintf("<p>%s</p>\n", html.EscapeString(msg))
	}
	body += "<hr/>\n"
	if serverToken != "" {
		body += html.EscapeString(serverToken)
		if httpDate != "" {
			body += " | "
		}
	}
	if httpDate != "" {
		body += html.EscapeString(httpDate)
	}
	body += "\n</body>\n</html>\n"
	return body
}
