package server

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	h2 "golang.org/x/net/http2"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/response"
	"github.com/wslaghekke/aerys/vhost"
	"github.com/wslaghekke/aerys/wsgateway"
)

// fakeConn adapts a net.Pipe half with no-op deadlines, matching the
// pattern shared by driver/http1, driver/http2 and wsgateway's own tests.
type fakeConn struct {
	net.Conn
}

func (fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (fakeConn) SetDeadline(time.Time) error      { return nil }

func echoResponder(status int, body string) request.Responder {
	return func(ctx context.Context, r *request.InternalRequest) (any, error) {
		resp := response.New(status)
		resp.Headers.Set("content-type", "text/plain")
		resp.Headers.Set(codec.PseudoEntityLength, strconv.Itoa(len(body)))
		resp.SetBody([]byte(body))
		return resp, nil
	}
}

func newTestServer(t *testing.T, configure func(opts *options.Options)) *Server {
	t.Helper()
	opts := options.Default()
	opts.ConnectionTimeout = 0
	opts.ShutdownTimeout = time.Second
	if configure != nil {
		configure(opts)
	}
	srv := New(opts, vhost.NewContainer(), wsgateway.Callbacks{}, nil)
	t.Cleanup(srv.ticker.Stop)
	return srv
}

// spec.md §4.5: "reject when open_connections >= maxConnections... send a
// 503 minimal response on HTTP/1 and close".
func TestAdmissionControlRejectsOverMaxConnections(t *testing.T) {
	srv := newTestServer(t, func(o *options.Options) { o.MaxConnections = 1 })
	srv.clients["already-open"] = &Client{id: "already-open", remoteIP: "10.0.0.1"}

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go srv.handleAccepted(fakeConn{server})

	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 503 Service Unavailable\r\n", statusLine)
}

// Same rejection, but keyed on a per-IP cap instead of the total.
func TestAdmissionControlRejectsOverConnectionsPerIP(t *testing.T) {
	srv := newTestServer(t, func(o *options.Options) {
		o.MaxConnections = 0
		o.ConnectionsPerIP = 1
	})
	srv.ipCounts["pipe"] = 1

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go srv.handleAccepted(fakeConn{server})

	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 503 Service Unavailable\r\n", statusLine)
}

// spec.md §6: protocol choice by ALPN under TLS, otherwise by sniffing the
// first 24 bytes for the HTTP/2 connection preface. This exercises the
// plaintext sniff branch; the peek must not consume bytes the chosen
// driver still needs to read (readPreface for h2, the request line for
// h1).
func TestSelectProtocolSniffsH2Preface(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	go client.Write([]byte(h2.ClientPreface))

	protocol, conn, err := selectProtocol(fakeConn{server})
	require.NoError(t, err)
	require.Equal(t, "2.0", protocol)

	buf := make([]byte, len(h2.ClientPreface))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, h2.ClientPreface, string(buf))
}

func TestSelectProtocolFallsBackToHTTP1(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	go client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))

	protocol, conn, err := selectProtocol(fakeConn{server})
	require.NoError(t, err)
	require.Equal(t, "1.1", protocol)

	buf := make([]byte, len("GET / HTTP/1.1\r\n"))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n", string(buf))
}

func dialAndRead(t *testing.T, addr, request string) (string, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)

	var headerBlock strings.Builder
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		headerBlock.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	return statusLine, headerBlock.String()
}

// End-to-end: a registered vhost's Responder answers a plain GET over a
// real loopback listener driven by Server.Serve.
func TestServeDispatchesToMatchedVhost(t *testing.T) {
	srv := newTestServer(t, nil)
	vhosts := srv.vhosts
	vhosts.Register(&vhost.Vhost{Name: "example.com", Responder: echoResponder(200, "hi")})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	statusLine, headers := dialAndRead(t, ln.Addr().String(),
		"GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	require.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)
	require.Contains(t, headers, "Content-Length: 2\r\n")
}

// No vhost matches the Host header and no default is registered: the
// request-level failure is a plain 404, not a connection abort.
func TestServeAnswersNoMatchingVhostWith404(t *testing.T) {
	srv := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	statusLine, _ := dialAndRead(t, ln.Addr().String(),
		"GET / HTTP/1.1\r\nHost: unknown.example\r\nConnection: close\r\n\r\n")
	require.Equal(t, "HTTP/1.1 404 Not Found\r\n", statusLine)
}

// spec.md §4.5's shutdown sequence: stop accepting, drain in-flight
// clients, then force-close whatever is left once shutdownTimeout elapses.
func TestShutdownForceClosesAfterTimeout(t *testing.T) {
	srv := newTestServer(t, func(o *options.Options) { o.ShutdownTimeout = 100 * time.Millisecond })
	vhosts := srv.vhosts
	vhosts.Register(&vhost.Vhost{Name: "", Responder: echoResponder(200, "hi")})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	// Open a keep-alive connection and never send a second request: the
	// driver is parked reading the next request line, with nothing to
	// drain on its own.
	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	start := time.Now()
	err = srv.Shutdown(context.Background())
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, StateStopped, srv.State())
	_ = err
}

// spec.md §4.4 end to end through the full accept loop: a WebSocket
// upgrade request over a freshly accepted HTTP/1 connection is hijacked
// and handed to the Gateway, which fires onOpen.
func TestServeUpgradesWebSocketConnections(t *testing.T) {
	opened := make(chan string, 1)
	opts := options.Default()
	opts.ConnectionTimeout = 0
	srv := New(opts, vhost.NewContainer(), wsgateway.Callbacks{
		OnOpen: func(clientID string, data wsgateway.HandshakeData) { opened <- clientID },
	}, nil)
	t.Cleanup(srv.ticker.Stop)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n", statusLine)

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("onOpen was never called")
	}
}
