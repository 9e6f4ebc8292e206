// Package http2 implements the HTTP/2 connection driver of spec.md §4.2:
// frames and HPACK via golang.org/x/net/http2 (the same dependency
// WhileEndless-go-rawhttp pulls in), a per-stream state machine and flow-
// control windows modeled after dgrr-http2's serverConn (other_examples/),
// and a round-robin DATA scheduler (scheduler.go) layered on top to meet
// spec.md's explicit multiplexing requirement.
package http2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	h2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/stream"
)

const (
	defaultInitialWindowSize = int32(65535)
	defaultMaxFrameSize      = 16384
)

type writeJob func(*h2.Framer) error

// Conn implements driver.HttpDriver for one HTTP/2 connection (cleartext
// or post-ALPN-negotiated TLS; the caller decides which via the preface
// sniff or ALPN result, per spec.md §6).
type Conn struct {
	netConn net.Conn
	bw      *bufio.Writer
	framer  *h2.Framer

	hdec *hpack.Decoder // connection-scoped HPACK dynamic table (RFC 7541 §2.3.2)

	opts   *options.Options
	ticker *clock.Ticker

	clientID string

	// dispatch is stashed by Serve so Push can drive a promised stream
	// through the same pipeline as a peer-initiated request (spec.md §4.2).
	dispatch driver.Dispatch

	streamsMu sync.Mutex
	streams   map[uint32]*Stream
	lastPeerStreamID uint32
	nextPushID       uint32 // server-initiated streams are even-numbered (RFC 7540 §5.1.1)

	peerInitialWindowSize int32
	peerMaxFrameSize      uint32
	peerEnablePush        bool

	connWindowMu   sync.Mutex
	connSendWindow int64
	connRecvWindow int64

	scheduler *scheduler

	writeCh chan writeJob
	closed  chan struct{}
	closeOnce sync.Once

	goAwaySent bool

	// shuttingDown is set by InitiateShutdown (spec.md §4.5 graceful drain).
	// Streams already open when it flips are allowed to finish; any new
	// stream the peer opens afterward is refused instead of dispatched.
	shuttingDown atomic.Bool
}

// InitiateShutdown sends a GOAWAY advertising the highest stream ID seen so
// far (RFC 7540 §6.8: "provides a way... to gracefully stop accepting new
// streams while still finishing processing of previously established
// streams"). Existing streams keep running; handleHeaders refuses anything
// the peer opens after this point with RST_STREAM(REFUSED_STREAM).
func (c *Conn) InitiateShutdown() {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	c.sendGoAway(h2.ErrCodeNo, "server shutting down")
}

// NewConn wraps netConn (already past ALPN negotiation or preface
// sniffing) as an HTTP/2 driver.
func NewConn(netConn net.Conn, opts *options.Options, ticker *clock.Ticker, clientID string) *Conn {
	bw := bufio.NewWriter(netConn)
	c := &Conn{
		netConn:               netConn,
		bw:                    bw,
		framer:                h2.NewFramer(bw, bufio.NewReaderSize(netConn, 4096)),
		opts:                  opts,
		ticker:                ticker,
		clientID:              clientID,
		streams:               make(map[uint32]*Stream),
		peerInitialWindowSize: defaultInitialWindowSize,
		peerMaxFrameSize:      defaultMaxFrameSize,
		peerEnablePush:        true,
		connSendWindow:        int64(defaultInitialWindowSize),
		connRecvWindow:        int64(defaultInitialWindowSize),
		writeCh:               make(chan writeJob, 32),
		closed:                make(chan struct{}),
		nextPushID:            2,
	}
	c.hdec = hpack.NewDecoder(4096, nil)
	c.scheduler = newScheduler(defaultMaxFrameSize, c.getConnSendWindow, c.consumeConnSendWindow)
	return c
}

func (c *Conn) Protocol() string { return "2.0" }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.scheduler.close()
		close(c.writeCh)
	})
	return nil
}

func (c *Conn) getConnSendWindow() int64 {
	c.connWindowMu.Lock()
	defer c.connWindowMu.Unlock()
	return c.connSendWindow
}

func (c *Conn) consumeConnSendWindow(n int64) {
	c.connWindowMu.Lock()
	c.connSendWindow -= n
	c.connWindowMu.Unlock()
}

func (c *Conn) addConnSendWindow(n int32) {
	c.connWindowMu.Lock()
	c.connSendWindow += int64(n)
	c.connWindowMu.Unlock()
	c.scheduler.signal()
}

// doWrite serializes job onto the single writer goroutine (started by
// Serve) and blocks for its result, mirroring dgrr-http2's
// channel-fed writeLoop (serverConn.writeLoop) but giving callers a
// synchronous call convention instead of a fire-and-forget channel send.
func (c *Conn) doWrite(job writeJob) error {
	res := make(chan error, 1)
	select {
	case c.writeCh <- func(fr *h2.Framer) error {
		err := job(fr)
		res <- err
		return err
	}:
	case <-c.closed:
		return errs.NewClientException("http2 write", nil)
	}
	return <-res
}

func (c *Conn) writeLoop(bw *bufio.Writer) {
	buffered := 0
	for job := range c.writeCh {
		err := job(c.framer)
		if err == nil && (len(c.writeCh) == 0 || buffered > 8) {
			err = bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}
		if err != nil {
			return
		}
	}
}

// writeHeadersFrame writes a HEADERS frame, splitting into CONTINUATION
// frames if block exceeds the peer's max frame size.
func (c *Conn) writeHeadersFrame(streamID uint32, block []byte) error {
	max := int(c.peerMaxFrameSize)
	if max <= 0 {
		max = defaultMaxFrameSize
	}
	first := block
	rest := []byte(nil)
	endHeaders := true
	if len(block) > max {
		first = block[:max]
		rest = block[max:]
		endHeaders = false
	}
	if err := c.doWrite(func(fr *h2.Framer) error {
		return fr.WriteHeaders(h2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: first,
			EndHeaders:    endHeaders,
		})
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		final := true
		if len(chunk) > max {
			chunk = rest[:max]
			rest = rest[max:]
			final = false
		} else {
			rest = nil
		}
		if err := c.doWrite(func(fr *h2.Framer) error {
			return fr.WriteContinuation(streamID, final, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendDataFrame(streamID uint32, chunk []byte, end bool) error {
	err := c.doWrite(func(fr *h2.Framer) error {
		return fr.WriteData(streamID, end, chunk)
	})
	if end {
		c.streamsMu.Lock()
		if strm, ok := c.streams[streamID]; ok {
			c.transitionSendHalfClosed(strm)
		}
		c.streamsMu.Unlock()
	}
	return err
}

func (c *Conn) transitionSendHalfClosed(strm *Stream) {
	switch strm.state {
	case streamHalfClosedRemote:
		strm.state = streamClosed
		delete(c.streams, strm.id)
	default:
		strm.state = streamHalfClosedLocal
	}
}

// Serve implements driver.HttpDriver: verify the client preface, exchange
// SETTINGS, then read and dispatch frames until the connection closes.
func (c *Conn) Serve(ctx context.Context, dispatch driver.Dispatch) error {
	c.dispatch = dispatch
	if err := c.readPreface(); err != nil {
		return err
	}

	go c.writeLoop(c.bw)
	go c.scheduler.run(c.sendDataFrame, c.lookupStream)

	if err := c.doWrite(func(fr *h2.Framer) error {
		return fr.WriteSettings(
			h2.Setting{ID: h2.SettingMaxConcurrentStreams, Val: 250},
			h2.Setting{ID: h2.SettingInitialWindowSize, Val: uint32(c.opts.SoftStreamCap)},
			h2.Setting{ID: h2.SettingMaxFrameSize, Val: defaultMaxFrameSize},
		)
	}); err != nil {
		c.Close()
		return err
	}

	defer c.Close()

	for {
		if c.opts.ConnectionTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.opts.ConnectionTimeout))
		}
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			return err
		}

		if err := c.handleFrame(ctx, frame, dispatch); err != nil {
			var gerr *goAwayError
			if errors.As(err, &gerr) {
				c.sendGoAway(gerr.code, gerr.msg)
				return err
			}
			var rerr *resetStreamError
			if errors.As(err, &rerr) {
				c.doWrite(func(fr *h2.Framer) error { return fr.WriteRSTStream(rerr.streamID, rerr.code) })
				continue
			}
			return err
		}
	}
}

func (c *Conn) readPreface() error {
	buf := make([]byte, len(h2.ClientPreface))
	if _, err := io.ReadFull(c.netConn, buf); err != nil {
		return errs.NewProtocolError(400, "missing HTTP/2 connection preface")
	}
	if string(buf) != h2.ClientPreface {
		return errs.NewProtocolError(400, "bad HTTP/2 connection preface")
	}
	return nil
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (c *Conn) lookupStream(id uint32) *Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

func (c *Conn) sendGoAway(code h2.ErrCode, msg string) {
	if c.goAwaySent {
		return
	}
	c.goAwaySent = true
	last := c.lastPeerStreamID
	c.doWrite(func(fr *h2.Framer) error {
		return fr.WriteGoAway(last, code, []byte(msg))
	})
}

// goAwayError signals a connection-fatal protocol violation (spec.md
// §4.2); resetStreamError signals a stream-scoped one.
type goAwayError struct {
	code h2.ErrCode
	msg  string
}

func (e *goAwayError) Error() string { return fmt.Sprintf("http2 GOAWAY(%v): %s", e.code, e.msg) }

func newGoAwayError(code h2.ErrCode, msg string) error { return &goAwayError{code: code, msg: msg} }

type resetStreamError struct {
	streamID uint32
	code     h2.ErrCode
}

func (e *resetStreamError) Error() string {
	return fmt.Sprintf("http2 RST_STREAM(%d, %v)", e.streamID, e.code)
}

func newResetStreamError(streamID uint32, code h2.ErrCode) error {
	return &resetStreamError{streamID: streamID, code: code}
}

// handleFrame dispatches one parsed frame to its type-specific handler
// (spec.md §4.2: SETTINGS/PING/GOAWAY/RST_STREAM/WINDOW_UPDATE/HEADERS/
// CONTINUATION/DATA/PRIORITY). Grounded on dgrr-http2's handleFrame
// (serverConn.go) switch shape, generalized to x/net/http2's Frame type
// and widened to build/complete InternalRequest values instead of
// fasthttp.RequestCtx.
func (c *Conn) handleFrame(ctx context.Context, frame h2.Frame, dispatch driver.Dispatch) error {
	switch f := frame.(type) {
	case *h2.SettingsFrame:
		return c.handleSettings(f)
	case *h2.PingFrame:
		return c.handlePing(f)
	case *h2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *h2.HeadersFrame:
		return c.handleHeaders(ctx, f, dispatch)
	case *h2.ContinuationFrame:
		return c.handleContinuation(ctx, f, dispatch)
	case *h2.DataFrame:
		return c.handleData(f)
	case *h2.RSTStreamFrame:
		return c.handleRSTStream(f)
	case *h2.PriorityFrame, *h2.PushPromiseFrame:
		return nil // priorities are advisory; clients never send PUSH_PROMISE
	case *h2.GoAwayFrame:
		return io.EOF // peer is closing; let Serve treat it as a clean shutdown
	default:
		return nil
	}
}

func (c *Conn) handleSettings(f *h2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s h2.Setting) error {
		switch s.ID {
		case h2.SettingInitialWindowSize:
			c.peerInitialWindowSize = int32(s.Val)
		case h2.SettingMaxFrameSize:
			c.peerMaxFrameSize = s.Val
		case h2.SettingEnablePush:
			c.peerEnablePush = s.Val != 0
		}
		return nil
	})
	if err != nil {
		return newGoAwayError(h2.ErrCodeProtocol, "malformed SETTINGS frame")
	}
	return c.doWrite(func(fr *h2.Framer) error { return fr.WriteSettingsAck() })
}

func (c *Conn) handlePing(f *h2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	return c.doWrite(func(fr *h2.Framer) error { return fr.WritePing(true, f.Data) })
}

func (c *Conn) handleWindowUpdate(f *h2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		c.addConnSendWindow(int32(f.Increment))
		return nil
	}
	c.streamsMu.Lock()
	strm, ok := c.streams[f.StreamID]
	c.streamsMu.Unlock()
	if !ok {
		return nil
	}
	if strm.addSendWindow(int32(f.Increment)) >= 1<<31-1 {
		return newResetStreamError(f.StreamID, h2.ErrCodeFlowControl)
	}
	c.scheduler.signal()
	return nil
}

func (c *Conn) handleRSTStream(f *h2.RSTStreamFrame) error {
	c.streamsMu.Lock()
	if strm, ok := c.streams[f.StreamID]; ok {
		strm.state = streamClosed
		if strm.emitter != nil {
			strm.emitter.Fail(errs.NewClientException("stream reset", nil))
		}
		delete(c.streams, f.StreamID)
	}
	c.streamsMu.Unlock()
	return nil
}

func (c *Conn) handleHeaders(ctx context.Context, f *h2.HeadersFrame, dispatch driver.Dispatch) error {
	c.streamsMu.Lock()
	strm, ok := c.streams[f.StreamID]
	if !ok {
		if c.shuttingDown.Load() {
			c.streamsMu.Unlock()
			return newResetStreamError(f.StreamID, h2.ErrCodeRefusedStream)
		}
		strm = newStream(f.StreamID, c.peerInitialWindowSize, int32(c.opts.SoftStreamCap))
		c.streams[f.StreamID] = strm
		if f.StreamID > c.lastPeerStreamID {
			c.lastPeerStreamID = f.StreamID
		}
	}
	strm.state = streamOpen
	strm.headerBlock.Write(f.HeaderBlockFragment())
	endStream := f.StreamEnded()
	endHeaders := f.HeadersEnded()
	c.streamsMu.Unlock()

	if endStream {
		strm.endStreamRecv = true
	}
	if !endHeaders {
		return nil
	}
	return c.finishHeaders(ctx, strm, dispatch)
}

func (c *Conn) handleContinuation(ctx context.Context, f *h2.ContinuationFrame, dispatch driver.Dispatch) error {
	c.streamsMu.Lock()
	strm, ok := c.streams[f.StreamID]
	if !ok {
		c.streamsMu.Unlock()
		return newGoAwayError(h2.ErrCodeProtocol, "CONTINUATION on unknown stream")
	}
	strm.headerBlock.Write(f.HeaderBlockFragment())
	endHeaders := f.HeadersEnded()
	c.streamsMu.Unlock()
	if !endHeaders {
		return nil
	}
	return c.finishHeaders(ctx, strm, dispatch)
}

func (c *Conn) finishHeaders(ctx context.Context, strm *Stream, dispatch driver.Dispatch) error {
	block := strm.headerBlock.Bytes()
	decoded, err := decodeHeaderBlock(c.hdec, block)
	if err != nil {
		return newResetStreamError(strm.id, h2.ErrCodeCompression)
	}
	req, err := buildInternalRequest(decoded)
	if err != nil {
		return newResetStreamError(strm.id, h2.ErrCodeProtocol)
	}
	strm.authority = decoded.Scheme + "://" + decoded.Authority
	strm.headersDone = true

	req.SetLocalVar(driver.LocalVarPusher, driver.Pusher(&streamPusher{conn: c, streamID: strm.id}))

	c.serveStream(ctx, strm, req, dispatch)
	return nil
}

// serveStream stamps req with this connection's request-scoped fields,
// wires its body emitter to strm, and runs dispatch on its own goroutine
// with a writer bound to strm -- the common tail shared by a peer-opened
// stream (finishHeaders) and a server-initiated push (Push).
func (c *Conn) serveStream(ctx context.Context, strm *Stream, req *request.InternalRequest, dispatch driver.Dispatch) {
	req.StreamID = int(strm.id)
	req.Time = c.ticker.Now()
	req.HTTPDate = c.ticker.HTTPDate()
	req.MaxBodySize = c.opts.MaxBodySize
	req.ClientID = c.clientID
	req.Opts = c.opts

	emitter, msg := stream.New(c.opts.MaxBodySize, int64(c.opts.SoftStreamCap))
	strm.emitter = emitter
	req.Body = msg
	if strm.endStreamRecv {
		emitter.Complete()
		c.streamsMu.Lock()
		strm.state = streamHalfClosedRemote
		c.streamsMu.Unlock()
	}

	writer := newWriter(c, strm)
	go func() {
		if dispatchErr := dispatch(ctx, req, writer.Sink(ctx)); dispatchErr != nil {
			c.doWrite(func(fr *h2.Framer) error { return fr.WriteRSTStream(strm.id, h2.ErrCodeInternal) })
		}
	}()
}

// streamPusher adapts Conn.Push to driver.Pusher, binding it to the stream
// that originated the request being dispatched (the "parent" of any pushes
// it queues via response.Response.AddPush).
type streamPusher struct {
	conn     *Conn
	streamID uint32
}

func (p *streamPusher) Push(method, path string, extraHeaders header.Map) error {
	return p.conn.Push(p.streamID, method, path, extraHeaders)
}

func (c *Conn) handleData(f *h2.DataFrame) error {
	c.streamsMu.Lock()
	strm, ok := c.streams[f.StreamID]
	c.streamsMu.Unlock()
	if !ok || strm.emitter == nil {
		return newGoAwayError(h2.ErrCodeProtocol, "DATA on stream with no open request")
	}

	data := f.Data()
	n := int64(len(data))

	c.connWindowMu.Lock()
	c.connRecvWindow -= n
	needsConnUpdate := c.connRecvWindow < int64(defaultInitialWindowSize)/2
	if needsConnUpdate {
		c.connRecvWindow += int64(defaultInitialWindowSize)
	}
	c.connWindowMu.Unlock()
	if needsConnUpdate {
		c.doWrite(func(fr *h2.Framer) error { return fr.WriteWindowUpdate(0, uint32(defaultInitialWindowSize)) })
	}

	if left := strm.consumeRecvWindow(n); left < int64(c.opts.SoftStreamCap)/2 {
		strm.refillRecvWindow(int64(c.opts.SoftStreamCap))
		c.doWrite(func(fr *h2.Framer) error {
			return fr.WriteWindowUpdate(f.StreamID, uint32(c.opts.SoftStreamCap))
		})
	}

	if len(data) > 0 {
		if err := strm.emitter.Emit(context.Background(), data); err != nil {
			return newResetStreamError(f.StreamID, h2.ErrCodeFlowControl)
		}
	}
	if f.StreamEnded() {
		strm.emitter.Complete()
		c.streamsMu.Lock()
		strm.endStreamRecv = true
		if strm.state == streamHalfClosedLocal {
			strm.state = streamClosed
			delete(c.streams, f.StreamID)
		} else {
			strm.state = streamHalfClosedRemote
		}
		c.streamsMu.Unlock()
	}
	return nil
}

// Push implements spec.md §4.2's push(): same-authority restriction, and
// rejecting any Host-looking override in extraHeaders, per SPEC_FULL.md's
// resolved Open Question #3.
func (c *Conn) Push(parentStreamID uint32, method, path string, extraHeaders header.Map) error {
	c.streamsMu.Lock()
	parent, ok := c.streams[parentStreamID]
	c.streamsMu.Unlock()
	if !ok {
		return errs.NewInternalError("push: unknown parent stream", nil)
	}
	if !c.peerEnablePush {
		return errs.NewInternalError("push: client disabled SETTINGS_ENABLE_PUSH", nil)
	}
	if extraHeaders != nil && (extraHeaders.Has("host") || extraHeaders.Has(":authority")) {
		return errs.NewInternalError("push: Host/:authority override in extraHeaders is not allowed", nil)
	}

	c.streamsMu.Lock()
	pushID := c.nextPushID
	c.nextPushID += 2
	c.streamsMu.Unlock()

	scheme := "https"
	authority := parent.authority
	if idx := len("https://"); len(authority) >= idx && authority[:idx] == "https://" {
		authority = authority[idx:]
	} else if idx := len("http://"); len(authority) >= idx && authority[:idx] == "http://" {
		scheme = "http"
		authority = authority[idx:]
	}

	var buf headerBlockBuffer
	enc := hpack.NewEncoder(&buf)
	if err := encodePushRequestHeaders(enc, method, scheme, authority, path, extraHeaders); err != nil {
		return err
	}

	err := c.doWrite(func(fr *h2.Framer) error {
		return fr.WritePushPromise(h2.PushPromiseParam{
			StreamID:      parentStreamID,
			PromiseID:     pushID,
			BlockFragment: buf.Bytes(),
			EndHeaders:    true,
		})
	})
	if err != nil {
		return err
	}

	pushStrm := newStream(pushID, c.peerInitialWindowSize, int32(c.opts.SoftStreamCap))
	pushStrm.authority = scheme + "://" + authority
	pushStrm.headersDone = true
	// A push promise has no peer HEADERS of its own to complete: the
	// "request" side is synthesized here and is done the instant it is
	// built, so the stream starts as if the client had already sent
	// END_STREAM (spec.md §4.2's "synthesize an internal GET request").
	pushStrm.endStreamRecv = true

	c.streamsMu.Lock()
	c.streams[pushID] = pushStrm
	c.streamsMu.Unlock()

	fields := extraHeaders.Clone()
	if fields == nil {
		fields = header.New()
	}
	req, buildErr := buildInternalRequest(decodedHeaders{
		Method:    method,
		Scheme:    scheme,
		Authority: authority,
		Path:      path,
		Fields:    fields,
	})
	if buildErr != nil {
		c.streamsMu.Lock()
		delete(c.streams, pushID)
		c.streamsMu.Unlock()
		return buildErr
	}

	c.serveStream(context.Background(), pushStrm, req, c.dispatch)
	return nil
}
