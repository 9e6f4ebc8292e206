package http1

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/stream"
)

// fakeConn adapts a net.Conn pipe half with no-op deadlines, since net.Pipe
// connections don't support SetDeadline.
type fakeConn struct {
	net.Conn
}

func (fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (fakeConn) SetDeadline(time.Time) error      { return nil }

func newTestConn(t *testing.T, opts *options.Options) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	ticker := clock.New()
	t.Cleanup(ticker.Stop)
	sink := stream.NewSink(1 << 20)

	c := NewConn(fakeConn{server}, opts, ticker, sink, "client-1")

	go func() {
		for {
			chunks := sink.Drain()
			if len(chunks) == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			var n int64
			for _, chunk := range chunks {
				if _, err := server.Write(chunk); err != nil {
					return
				}
				n += int64(len(chunk))
			}
			sink.Flushed(n)
		}
	}()

	return c, client
}

func echoDispatch(status int, body string) driver.Dispatch {
	return func(ctx context.Context, req *request.InternalRequest, reply codec.Emit) error {
		hdrs := header.New()
		hdrs.Set(codec.PseudoEntityLength, itoaLen(body))
		hdrs.Set("content-type", "text/plain")
		if err := reply(codec.Headers(status, "", hdrs)); err != nil {
			return err
		}
		if err := reply(codec.Chunk([]byte(body))); err != nil {
			return err
		}
		return reply(codec.End())
	}
}

func itoaLen(s string) string {
	n := len(s)
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestConnServesSingleRequestThenCloses(t *testing.T) {
	opts := options.Default()
	opts.ConnectionTimeout = 0
	c, client := newTestConn(t, opts)

	go func() {
		_, _ = client.Write([]byte("GET /hi HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	}()

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), echoDispatch(200, "hi")) }()

	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)

	var headerBlock strings.Builder
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		headerBlock.WriteString(line)
	}
	require.Contains(t, headerBlock.String(), "Content-Length: 2\r\n")
	require.Contains(t, headerBlock.String(), "Connection: close\r\n")

	body := make([]byte, 2)
	_, err = io.ReadFull(reader, body)
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Connection: close")
	}
}

func TestConnKeepAliveServesSecondRequestOnSameConnection(t *testing.T) {
	opts := options.Default()
	opts.ConnectionTimeout = 0
	c, client := newTestConn(t, opts)

	go func() {
		_, _ = client.Write([]byte("GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		time.Sleep(10 * time.Millisecond)
		_, _ = client.Write([]byte("GET /b HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	}()

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), echoDispatch(200, "ok")) }()

	reader := bufio.NewReader(client)
	for i := 0; i < 2; i++ {
		statusLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line == "\r\n" {
				break
			}
		}
		body := make([]byte, 2)
		_, err = io.ReadFull(reader, body)
		require.NoError(t, err)
		require.Equal(t, "ok", string(body))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after second request's Connection: close")
	}
}
