package http1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/cookie"
	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/response"
	"github.com/wslaghekke/aerys/stream"
	"github.com/wslaghekke/aerys/uri"
)

// Conn implements driver.HttpDriver for one HTTP/1.0 or HTTP/1.1
// connection. Requests are read and dispatched one at a time -- Serve
// blocks on dispatch before reading the next request line -- which is
// what gives spec.md §4.1's in-order response guarantee for pipelined
// requests without a separate reordering buffer, mirroring the teacher's
// own one-goroutine-per-connection, synchronous-handler conn.go.
type Conn struct {
	netConn net.Conn
	br      *bufio.Reader
	sink    *stream.Sink
	opts    *options.Options
	ticker  *clock.Ticker

	clientID string
	protocol string // last-negotiated protocol, for Protocol()

	hijacked bool

	// shuttingDown is set by Shutdown (spec.md §4.5 graceful drain): the
	// connection finishes whatever request is in flight, emits
	// "Connection: close" on that response, and Serve returns instead of
	// reading a next pipelined request.
	shuttingDown atomic.Bool
}

// Shutdown requests a graceful close: the in-flight (or next) response is
// sent with "Connection: close" and Serve returns once it completes,
// instead of waiting for the next pipelined request.
func (c *Conn) Shutdown() {
	c.shuttingDown.Store(true)
}

// NewConn wraps netConn as an HTTP/1 driver. sink is the connection's
// shared write buffer (owned by the caller, drained to netConn by the
// caller's flush loop -- spec.md §3's writeBuffer). clientID identifies
// the owning Client for InternalRequest.ClientID (spec.md §3).
func NewConn(netConn net.Conn, opts *options.Options, ticker *clock.Ticker, sink *stream.Sink, clientID string) *Conn {
	return &Conn{
		netConn:  netConn,
		br:       bufio.NewReaderSize(netConn, 4096),
		sink:     sink,
		opts:     opts,
		ticker:   ticker,
		clientID: clientID,
		protocol: "1.1",
	}
}

func (c *Conn) Protocol() string { return c.protocol }

func (c *Conn) Close() error { return nil }

// Hijack relinquishes the raw connection and its buffered reader to the
// caller (spec.md §4.4: "relinquishes the raw socket from the HTTP driver
// to itself" for the WebSocket gateway), mirroring the teacher's own
// Hijacker. Serve must see driver.ErrHijacked from dispatch afterward and
// stop touching the connection.
func (c *Conn) Hijack() (net.Conn, *bufio.Reader, error) {
	if c.hijacked {
		return nil, nil, errs.NewInternalError("connection already hijacked", nil)
	}
	c.hijacked = true
	c.netConn.SetDeadline(time.Time{})
	return c.netConn, c.br, nil
}

// Serve implements driver.HttpDriver.
func (c *Conn) Serve(ctx context.Context, dispatch driver.Dispatch) error {
	for {
		if c.opts.ConnectionTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.opts.ConnectionTimeout))
		}

		reqLine, err := ParseRequestLine(c.br, c.opts.NormalizeMethodCase)
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			c.writeProtocolErrorAndClose(ctx, err)
			return err
		}
		c.netConn.SetReadDeadline(time.Time{})
		c.protocol = reqLine.Protocol

		headers, trace, err := ParseHeaders(c.br, c.opts.MaxHeaderSize)
		if err != nil {
			c.writeProtocolErrorAndClose(ctx, err)
			return err
		}

		if !c.opts.MethodAllowed(reqLine.Method) {
			c.writeStatusAndClose(ctx, 405, reqLine.Protocol)
			return errs.NewProtocolError(405, "method not allowed")
		}
		if reqLine.Protocol == "1.1" && headers.Get("host") == "" && reqLine.Target != "*" {
			c.writeStatusAndClose(ctx, 400, reqLine.Protocol)
			return errs.NewProtocolError(400, "missing Host header")
		}

		keepAlive := decideKeepAlive(reqLine.Protocol, headers.Get("connection")) && !c.shuttingDown.Load()

		parsedURI, err := uri.Parse(reqLine.Target)
		if err != nil {
			c.writeStatusAndClose(ctx, 400, reqLine.Protocol)
			return err
		}

		emitter, msg := stream.New(c.opts.MaxBodySize, int64(c.opts.SoftStreamCap))
		bodyDone := make(chan error, 1)
		c.readBody(ctx, headers, emitter, bodyDone)

		if headers.Get("expect") == "100-continue" {
			if err := c.sink.Write(ctx, []byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
				return err
			}
		}

		req := &request.InternalRequest{
			Method:      reqLine.Method,
			URI:         parsedURI,
			Protocol:    reqLine.Protocol,
			Headers:     headers,
			Cookies:     cookie.ParseRequestHeader(headers.Get("cookie")),
			TraceHTTP1:  trace,
			StreamID:    0,
			Time:        c.ticker.Now(),
			HTTPDate:    c.ticker.HTTPDate(),
			MaxBodySize: c.opts.MaxBodySize,
			Body:        msg,
			ClientID:    c.clientID,
			Opts:        c.opts,
		}
		req.SetLocalVar(driver.LocalVarHijacker, driver.Hijacker(c))

		writer := NewWriter(c.sink, reqLine.Protocol, c.opts.SendServerToken, c.ticker.HTTPDate(), keepAlive)
		dispatchErr := dispatch(ctx, req, writer.Sink(ctx))

		if errors.Is(dispatchErr, driver.ErrHijacked) {
			return nil
		}

		drainBody(ctx, msg)
		bodyErr := <-bodyDone

		if dispatchErr != nil {
			return dispatchErr
		}
		if bodyErr != nil {
			// Framing may be unrecoverable (malformed chunk size, truncated
			// fixed body): closing is the safe default rather than risking
			// the next pipelined request being parsed against leftover
			// bytes.
			return bodyErr
		}
		if !writer.KeepAlive {
			return nil
		}
	}
}

// readBody starts the body-reading goroutine appropriate to the request's
// framing, or completes the emitter immediately if there is no body
// (spec.md §4.1 state 4). bodyDone receives the terminal read error, if
// any, once the raw bytes have been fully consumed from the wire.
//
// Trailer fields (chunked path) land in their own map rather than being
// merged into the request's Headers, since the body-reading goroutine
// runs concurrently with the dispatched responder and mutating the shared
// Headers map from both sides would race; trailers are only ever known
// complete after the body has been fully read anyway.
func (c *Conn) readBody(ctx context.Context, headers header.Map, emitter *stream.BodyEmitter, bodyDone chan<- error) {
	te := strings.ToLower(headers.Get("transfer-encoding"))
	cl := headers.Get("content-length")

	go func() {
		var err error
		switch {
		case te == "chunked":
			err = readChunkedBody(ctx, c.br, emitter, header.New())
		case cl != "":
			n, perr := strconv.ParseInt(cl, 10, 64)
			if perr != nil || n < 0 {
				err = errs.NewProtocolError(400, "invalid content-length")
			} else if n > 0 {
				err = readFixedBody(ctx, c.br, n, emitter, c.opts.ChunkSize)
			}
		}
		if err != nil {
			emitter.Fail(err)
		} else {
			emitter.Complete()
		}
		bodyDone <- err
	}()
}

// drainBody discards any body bytes the responder never read, both to
// unblock a body-reading goroutine parked on backpressure and to leave the
// connection at the right byte offset for the next pipelined request.
func drainBody(ctx context.Context, msg *stream.Message) {
	for {
		if _, err := msg.Read(ctx); err != nil {
			return
		}
	}
}

func decideKeepAlive(protocol, connectionHeader string) bool {
	v := strings.ToLower(connectionHeader)
	switch {
	case strings.Contains(v, "close"):
		return false
	case strings.Contains(v, "keep-alive"):
		return true
	default:
		return protocol == "1.1"
	}
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (c *Conn) writeProtocolErrorAndClose(ctx context.Context, cause error) {
	status := 400
	var perr *errs.ProtocolError
	if errors.As(cause, &perr) {
		status = perr.Status
	}
	c.writeStatusAndClose(ctx, status, "1.1")
}

func (c *Conn) writeStatusAndClose(ctx context.Context, status int, protocol string) {
	body := response.MakeGenericBody(status, "", "", "", serverTokenOrEmpty(c.opts), c.ticker.HTTPDate())
	h := header.New()
	h.Set("content-type", "text/html; charset=utf-8")
	h.Set(codec.PseudoEntityLength, strconv.Itoa(len(body)))

	w := NewWriter(c.sink, protocol, c.opts.SendServerToken, c.ticker.HTTPDate(), false)
	emit := w.Sink(ctx)
	_ = emit(codec.Headers(status, response.ReasonPhrase(status), h))
	_ = emit(codec.Chunk([]byte(body)))
	_ = emit(codec.End())
}

func serverTokenOrEmpty(opts *options.Options) string {
	if opts.SendServerToken {
		return ServerToken
	}
	return ""
}
