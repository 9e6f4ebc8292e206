package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/driver/http1"
	"github.com/wslaghekke/aerys/driver/http2"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/pipeline"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/response"
	"github.com/wslaghekke/aerys/stream"
	"github.com/wslaghekke/aerys/wsgateway"
)

// Client owns one accepted connection end to end: its protocol driver, its
// write-side buffering (HTTP/1 only -- HTTP/2 writes its own frames
// directly), and the per-request dispatch closure that wires a matched
// Vhost's Responder/Middlewares and per-request codec.Chain into
// pipeline.Run (spec.md §4.5).
type Client struct {
	srv      *Server
	id       string
	remoteIP string
	openedAt int64

	netConn net.Conn
	drv     driver.HttpDriver
	sink    *stream.Sink // non-nil only for HTTP/1 (§3's writeBuffer)

	vhostMu sync.Mutex
	vhost   string

	log *logrus.Entry

	done chan struct{}
}

// newClient constructs the driver appropriate to protocol and, for HTTP/1,
// starts the flush loop that drains its sink to the socket.
func newClient(srv *Server, netConn net.Conn, protocol, remoteIP string) *Client {
	id := uuid.NewString()
	c := &Client{
		srv:      srv,
		id:       id,
		remoteIP: remoteIP,
		openedAt: srv.ticker.Now(),
		netConn:  netConn,
		done:     make(chan struct{}),
		log: srv.log.WithFields(logrus.Fields{
			"client_id": id,
			"protocol":  protocol,
			"remote_ip": remoteIP,
		}),
	}
	if protocol == "2.0" {
		c.drv = http2.NewConn(netConn, srv.opts, srv.ticker, id)
	} else {
		c.sink = stream.NewSink(int64(srv.opts.OutputBufferSize))
		c.drv = http1.NewConn(netConn, srv.opts, srv.ticker, c.sink, id)
		go c.flushLoop()
	}
	return c
}

// serve runs the driver's read/dispatch loop until it returns, then tears
// the connection down. Runs on the goroutine handleAccepted spawned for
// this connection.
func (c *Client) serve() {
	defer close(c.done)
	defer c.teardown()

	err := c.drv.Serve(context.Background(), c.dispatch)
	c.logServeErr(err)
}

func (c *Client) teardown() {
	c.drv.Close()
	if c.sink != nil {
		c.sink.Close()
	}
	c.netConn.Close()
	c.srv.forgetClient(c)
}

// flushLoop drains c.sink to the socket as data arrives, blocking on
// WaitForData between bursts instead of polling (the HTTP/2 driver needs
// no equivalent: it writes frames directly to its own bufio.Writer).
func (c *Client) flushLoop() {
	ctx := context.Background()
	for {
		if err := c.sink.WaitForData(ctx); err != nil {
			return
		}
		chunks := c.sink.Drain()
		if len(chunks) == 0 {
			if c.sink.Closed() {
				return
			}
			continue
		}
		var total int64
		for _, b := range chunks {
			n, err := c.netConn.Write(b)
			total += int64(n)
			if err != nil {
				c.sink.Close()
				return
			}
		}
		c.sink.Flushed(total)
	}
}

// beginShutdown asks the driver to drain in-flight work and stop accepting
// new ones (spec.md §4.5: GOAWAY on HTTP/2, Connection: close on HTTP/1).
func (c *Client) beginShutdown() {
	switch d := c.drv.(type) {
	case *http1.Conn:
		d.Shutdown()
	case *http2.Conn:
		d.InitiateShutdown()
	}
}

func (c *Client) forceClose() {
	c.netConn.Close()
}

func (c *Client) setVhost(name string) {
	c.vhostMu.Lock()
	c.vhost = name
	c.vhostMu.Unlock()
}

func (c *Client) vhostName() string {
	c.vhostMu.Lock()
	defer c.vhostMu.Unlock()
	return c.vhost
}

func (c *Client) info() ConnectionInfo {
	return ConnectionInfo{
		ClientID: c.id,
		Protocol: c.drv.Protocol(),
		RemoteIP: c.remoteIP,
		OpenedAt: c.openedAt,
		Vhost:    c.vhostName(),
	}
}

// dispatch implements driver.Dispatch: it is handed straight to
// drv.Serve, one call per request (HTTP/1) or per stream (HTTP/2).
func (c *Client) dispatch(ctx context.Context, req *request.InternalRequest, reply codec.Emit) error {
	req.SetLocalVar(request.ConnLocalVar, c.info())

	if wsgateway.IsUpgradeRequest(req.Headers) {
		err := wsgateway.Upgrade(c.srv.gw, req, c.srv.onHandshake)
		if errors.Is(err, driver.ErrHijacked) {
			return err
		}
		if err != nil {
			return writeStatus(reply, 400, c.srv.opts, req.HTTPDate)
		}
		return nil
	}

	v, ok := c.srv.vhosts.Match(hostOf(req))
	if !ok {
		return writeStatus(reply, 404, c.srv.opts, req.HTTPDate)
	}
	c.setVhost(v.Name)
	req.Responder = v.Responder
	req.Middlewares = v.Middlewares

	chain := c.buildChain(req)
	cfg := pipeline.Config{ServerToken: serverTokenOrEmpty(c.srv.opts), HTTPDate: req.HTTPDate}
	return pipeline.Run(ctx, req, chain, reply, cfg)
}

// buildChain assembles this request's filter chain in the order spec.md
// §4.3 requires: body suppression first, then compression, then the
// transfer coding that has to see the already-compressed bytes last.
// ChunkedEncodingFilter is only installed for HTTP/1.1 -- HTTP/1.0 has no
// chunked coding and HTTP/2 has no coding at all, framing being implicit
// in DATA frames.
func (c *Client) buildChain(req *request.InternalRequest) *codec.Chain {
	opts := c.srv.opts
	filters := []codec.Filter{codec.NewNullBodyFilter(req.Method == "HEAD")}
	if opts.DeflateEnable {
		filters = append(filters, codec.NewDeflateFilter(opts, req.Headers.Get("accept-encoding"), req.Protocol))
	}
	if req.Protocol == "1.1" {
		filters = append(filters, codec.NewChunkedEncodingFilter())
	}
	return codec.New(filters...)
}

// hostOf resolves the authority a request was addressed to: the Host
// header for HTTP/1.1 (HTTP/1.0 has none, and falls to the default vhost
// via Container.Match("")), or URI.Host otherwise: populated from
// :authority during HTTP/2 header decoding, or by uri.Parse from an
// absolute-form request target.
func hostOf(req *request.InternalRequest) string {
	if h := req.Headers.Get("host"); h != "" {
		return h
	}
	return req.URI.Host
}

// writeStatus answers a request with a generic error body directly
// through reply, bypassing the codec chain -- used for the two request-
// level failures that happen before a vhost (and hence a chain) is known:
// a bad WebSocket upgrade and no matching vhost.
func writeStatus(reply codec.Emit, status int, opts *options.Options, httpDate string) error {
	body := response.MakeGenericBody(status, "", "", "", serverTokenOrEmpty(opts), httpDate)
	h := header.New()
	h.Set("content-type", "text/html; charset=utf-8")
	h.Set(codec.PseudoEntityLength, strconv.Itoa(len(body)))
	if err := reply(codec.Headers(status, response.ReasonPhrase(status), h)); err != nil {
		return err
	}
	if err := reply(codec.Chunk([]byte(body))); err != nil {
		return err
	}
	return reply(codec.End())
}

func serverTokenOrEmpty(opts *options.Options) string {
	if opts.SendServerToken {
		return http1.ServerToken
	}
	return ""
}

// logServeErr classifies a Serve error by the taxonomy of spec.md §7 /
// SPEC_FULL.md §10.1 and logs at the matching level. A clean EOF/closed
// socket is not logged at all.
func (c *Client) logServeErr(err error) {
	if err == nil || errors.Is(err, driver.ErrHijacked) {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}

	var clientErr *errs.ClientException
	var protoErr *errs.ProtocolError
	var filterErr *errs.FilterException
	var internalErr *errs.InternalError
	var fatalErr *errs.Fatal

	switch {
	case errors.As(err, &clientErr):
		c.log.WithError(err).Info("client disconnected")
	case errors.As(err, &protoErr):
		c.log.WithError(err).Warn("protocol error")
	case errors.As(err, &filterErr):
		c.log.WithError(err).Warn("filter error")
	case errors.As(err, &internalErr):
		c.log.WithError(err).Error("internal error")
	case errors.As(err, &fatalErr):
		c.log.WithError(err).Error("fatal error")
	default:
		c.log.WithError(err).Warn("connection ended")
	}
}
