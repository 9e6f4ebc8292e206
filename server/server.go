// Package server implements spec.md §4.5: Server and Client lifecycle, the
// accept loop and admission control, ALPN/preface-based protocol driver
// selection, and graceful shutdown. Grounded on the teacher's
// src/http/server.go Server/Serve/Shutdown (types_server.go's ConnState
// machine generalized here to the independent HTTP/1 and HTTP/2 notions of
// "connection still draining").
package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	h2 "golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/vhost"
	"github.com/wslaghekke/aerys/wsgateway"
)

// State is one of the four states spec.md §4.5 names: STOPPED -> STARTING
// -> STARTED -> STOPPING -> STOPPED. Only STARTED accepts connections.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// maxBackoff caps the accept-loop retry delay on transient Accept errors,
// mirroring the teacher's own tempDelay ceiling in Serve.
const maxBackoff = 1 * time.Second

// Server owns zero or more listeners, the Vhost registry they resolve
// requests against, the shared WebSocket Gateway, and every Client
// currently being served.
type Server struct {
	opts        *options.Options
	vhosts      *vhost.Container
	ticker      *clock.Ticker
	gw          *wsgateway.Gateway
	onHandshake wsgateway.OnHandshake
	log         *logrus.Entry

	mu        sync.Mutex
	state     State
	listeners []net.Listener
	clients   map[string]*Client
	ipCounts  map[string]int
	doneChan  chan struct{}
}

// New builds a Server bound to opts and vhosts. wsCallbacks and
// onHandshake are forwarded to the WebSocket gateway every accepted
// connection shares (spec.md §4.4); onHandshake may be nil.
func New(opts *options.Options, vhosts *vhost.Container, wsCallbacks wsgateway.Callbacks, onHandshake wsgateway.OnHandshake) *Server {
	ticker := clock.New()
	return &Server{
		opts:        opts,
		vhosts:      vhosts,
		ticker:      ticker,
		gw:          wsgateway.New(opts, ticker, wsCallbacks),
		onHandshake: onHandshake,
		log:         logrus.WithField("component", "server"),
		clients:     make(map[string]*Client),
		ipCounts:    make(map[string]int),
		doneChan:    make(chan struct{}),
	}
}

// Gateway exposes the shared WebSocket gateway, e.g. for Send/Broadcast
// calls from outside the request path.
func (s *Server) Gateway() *wsgateway.Gateway { return s.gw }

// State reports the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) transition(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// keepAlivePeriod is the OS-level TCP keepalive interval set on every
// accepted connection. TODO: expose as an Options field once a caller
// actually needs something other than this default.
const keepAlivePeriod = 3 * time.Minute

// tcpKeepAliveListener wraps a *net.TCPListener to turn on TCP keepalive
// on every accepted connection before it ever reaches selectProtocol.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (l tcpKeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(keepAlivePeriod)
	return conn, nil
}

// ListenAndServe opens a plaintext TCP listener on addr and serves it
// until Shutdown or a fatal accept error.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tcpKeepAliveListener{ln.(*net.TCPListener)})
}

// ListenAndServeTLS opens a TLS listener on addr and serves it, resolving
// certificates and ALPN by vhost (spec.md §6). tlsConfig may be nil; its
// GetCertificate and NextProtos are defaulted when unset rather than
// overridden, so a caller needing client-cert auth or a custom ALPN list
// still gets it.
func (s *Server) ListenAndServeTLS(addr string, tlsConfig *tls.Config) error {
	var cfg *tls.Config
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.GetCertificate == nil {
		cfg.GetCertificate = s.vhosts.ResolveSNI
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{h2.NextProtoTLS, "http/1.1"}
	}

	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	kaInner := tcpKeepAliveListener{inner.(*net.TCPListener)}
	return s.Serve(tls.NewListener(kaInner, cfg))
}

// Serve runs ln's accept loop until Shutdown closes it or Accept fails
// non-transiently. Grounded on the teacher's Serve: net.Error.Temporary
// errors get an exponential backoff (5ms doubling to maxBackoff) instead
// of spinning; doneChan being closed is how a Shutdown-triggered Close
// is told apart from a genuine accept failure.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.state = StateStarted
	s.mu.Unlock()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.doneChan:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxBackoff {
					tempDelay = maxBackoff
				}
				s.log.WithError(err).Warnf("accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go s.handleAccepted(conn)
	}
}

// handleAccepted runs admission control, picks the wire protocol, and then
// drives the resulting Client's Serve loop for as long as the connection
// lives -- this goroutine IS that connection's lifetime.
func (s *Server) handleAccepted(netConn net.Conn) {
	remoteIP := remoteIPOf(netConn)

	s.mu.Lock()
	overTotal := s.opts.MaxConnections > 0 && len(s.clients) >= s.opts.MaxConnections
	overIP := s.opts.ConnectionsPerIP > 0 && s.ipCounts[remoteIP] >= s.opts.ConnectionsPerIP
	s.mu.Unlock()
	if overTotal || overIP {
		write503(netConn)
		netConn.Close()
		return
	}

	protocol, conn, err := selectProtocol(netConn)
	if err != nil {
		netConn.Close()
		return
	}

	cl := newClient(s, conn, protocol, remoteIP)

	s.mu.Lock()
	s.clients[cl.id] = cl
	s.ipCounts[remoteIP]++
	s.mu.Unlock()

	cl.serve()
}

func (s *Server) forgetClient(cl *Client) {
	s.mu.Lock()
	delete(s.clients, cl.id)
	if n := s.ipCounts[cl.remoteIP]; n > 1 {
		s.ipCounts[cl.remoteIP] = n - 1
	} else {
		delete(s.ipCounts, cl.remoteIP)
	}
	s.mu.Unlock()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown stops accepting new connections, signals every open Client to
// drain (GOAWAY on HTTP/2, Connection: close on HTTP/1), waits up to
// opts.ShutdownTimeout (bounded further by ctx) for them to finish on
// their own, and force-closes whatever is left (spec.md §4.5). As in the
// teacher's own Shutdown, connections the WebSocket gateway has taken over
// are not tracked here and are left running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStarted {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	close(s.doneChan)

	var result *multierror.Error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	clients := make([]*Client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		cl.beginShutdown()
	}

	drainCtx := ctx
	if s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(drainCtx)
	for _, cl := range clients {
		cl := cl
		g.Go(func() error {
			select {
			case <-cl.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, cl := range clients {
		select {
		case <-cl.done:
		default:
			cl.forceClose()
		}
	}

	s.transition(StateStopped)
	return result.ErrorOrNil()
}

func remoteIPOf(netConn net.Conn) string {
	addr := netConn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// write503 answers an admission-control rejection directly on the raw
// socket (spec.md §4.5: "reject... send a 503 minimal response on HTTP/1
// and close"). The wire protocol has not been negotiated yet at this
// point, so this is always framed as HTTP/1.1 regardless of what the
// peer actually speaks -- every HTTP/2 client still falls back to reading
// this as a pre-preface error and disconnects.
func write503(netConn net.Conn) {
	netConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	netConn.Write([]byte("HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
}
