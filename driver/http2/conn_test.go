package http2

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	h2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/request"
)

// fakeConn adapts a net.Conn pipe half with no-op deadlines, since net.Pipe
// connections don't support SetDeadline (mirrors driver/http1's test helper).
type fakeConn struct {
	net.Conn
}

func (fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (fakeConn) SetDeadline(time.Time) error      { return nil }

func newTestClient(t *testing.T, conn net.Conn) (*h2.Framer, *hpack.Decoder) {
	t.Helper()
	fr := h2.NewFramer(conn, conn)
	dec := hpack.NewDecoder(4096, nil)
	return fr, dec
}

func echoDispatch(status int, body string) driver.Dispatch {
	return func(ctx context.Context, req *request.InternalRequest, reply codec.Emit) error {
		hdrs := header.New()
		hdrs.Set(codec.PseudoEntityLength, itoaLen(len(body)))
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

func itoaLen(n int) string {
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

func TestConnServesSingleStreamRequest(t *testing.T) {
	server, client := net.Pipe()
	opts := options.Default()
	opts.ConnectionTimeout = 0
	ticker := clock.New()
	t.Cleanup(ticker.Stop)

	c := NewConn(fakeConn{server}, opts, ticker, "client-1")

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), echoDispatch(200, "hi")) }()

	go func() {
		_, _ = client.Write([]byte(h2.ClientPreface))
		cfr := h2.NewFramer(client, client)
		_ = cfr.WriteSettings()

		var buf headerBlockBuffer
		enc := hpack.NewEncoder(&buf)
		_ = enc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "http"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":authority", Value: "example.com"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/hi"})
		_ = cfr.WriteHeaders(h2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: buf.Bytes(),
			EndStream:     true,
			EndHeaders:    true,
		})
	}()

	cfr, cdec := newTestClient(t, client)

	var status string
	var gotData []byte
	var gotEndStream bool

	cdec.SetEmitFunc(func(f hpack.HeaderField) {
		if f.Name == ":status" {
			status = f.Value
		}
	})

	deadline := time.After(2 * time.Second)
	for status == "" || !gotEndStream {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for response frames")
		default:
		}
		frame, err := cfr.ReadFrame()
		require.NoError(t, err)
		switch f := frame.(type) {
		case *h2.SettingsFrame:
			// server's initial SETTINGS or our ack; nothing to assert
		case *h2.HeadersFrame:
			_, derr := cdec.Write(f.HeaderBlockFragment())
			require.NoError(t, derr)
			if f.StreamEnded() {
				gotEndStream = true
			}
		case *h2.DataFrame:
			gotData = append(gotData, f.Data()...)
			if f.StreamEnded() {
				gotEndStream = true
			}
		}
	}

	require.Equal(t, "200", status)
	require.Equal(t, "hi", string(gotData))

	c.Close()
	<-done
}

// pushingDispatch answers the peer-initiated request normally, and -- if
// the driver stashed a driver.Pusher local -- also queues a push for
// pushPath before replying, exercising spec.md §4.2's "synthesize an
// internal GET request and dispatch it through the normal pipeline".
func pushingDispatch(status int, body, pushPath string) driver.Dispatch {
	return func(ctx context.Context, req *request.InternalRequest, reply codec.Emit) error {
		if v, ok := req.GetLocalVar(driver.LocalVarPusher); ok {
			if pusher, ok := v.(driver.Pusher); ok {
				_ = pusher.Push("GET", pushPath, nil)
			}
		}
		hdrs := header.New()
		hdrs.Set(codec.PseudoEntityLength, itoaLen(len(body)))
		if err := reply(codec.Headers(status, "", hdrs)); err != nil {
			return err
		}
		if err := reply(codec.Chunk([]byte(body))); err != nil {
			return err
		}
		return reply(codec.End())
	}
}

// TestConnPushFulfillsPromisedStream drives a request whose dispatch queues
// a server push, and asserts the promised stream actually carries a real
// response (not just a reserved, never-fulfilled PUSH_PROMISE).
func TestConnPushFulfillsPromisedStream(t *testing.T) {
	server, client := net.Pipe()
	opts := options.Default()
	opts.ConnectionTimeout = 0
	ticker := clock.New()
	t.Cleanup(ticker.Stop)

	c := NewConn(fakeConn{server}, opts, ticker, "client-1")

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), pushingDispatch(200, "hi", "/pushed.css")) }()

	go func() {
		_, _ = client.Write([]byte(h2.ClientPreface))
		cfr := h2.NewFramer(client, client)
		_ = cfr.WriteSettings()

		var buf headerBlockBuffer
		enc := hpack.NewEncoder(&buf)
		_ = enc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "http"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":authority", Value: "example.com"})
		_ = enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/hi"})
		_ = cfr.WriteHeaders(h2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: buf.Bytes(),
			EndStream:     true,
			EndHeaders:    true,
		})
	}()

	cfr, cdec := newTestClient(t, client)

	var pushPromised uint32
	var pushPath string
	var pushStatus string
	var pushData []byte
	var pushEnded bool
	var mainEnded bool

	cdec.SetEmitFunc(func(f hpack.HeaderField) {
		if f.Name == ":path" {
			pushPath = f.Value
		}
		if f.Name == ":status" {
			pushStatus = f.Value
		}
	})

	deadline := time.After(2 * time.Second)
	for !pushEnded || !mainEnded {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for push frames")
		default:
		}
		frame, err := cfr.ReadFrame()
		require.NoError(t, err)
		switch f := frame.(type) {
		case *h2.SettingsFrame:
		case *h2.PushPromiseFrame:
			pushPromised = f.PromiseID
			_, derr := cdec.Write(f.HeaderBlockFragment())
			require.NoError(t, derr)
		case *h2.HeadersFrame:
			_, derr := cdec.Write(f.HeaderBlockFragment())
			require.NoError(t, derr)
			if f.StreamID == pushPromised {
				if f.StreamEnded() {
					pushEnded = true
				}
			} else if f.StreamEnded() {
				mainEnded = true
			}
		case *h2.DataFrame:
			if f.StreamID == pushPromised {
				pushData = append(pushData, f.Data()...)
				if f.StreamEnded() {
					pushEnded = true
				}
			} else if f.StreamEnded() {
				mainEnded = true
			}
		}
	}

	require.NotZero(t, pushPromised)
	require.Equal(t, "/pushed.css", pushPath)
	require.Equal(t, "200", pushStatus)
	require.Equal(t, "hi", string(pushData))

	c.Close()
	<-done
}
