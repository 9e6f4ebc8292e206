package server

import (
	"bufio"
	"crypto/tls"
	"net"

	h2 "golang.org/x/net/http2"
)

// peekConn lets selectProtocol inspect a plaintext connection's first
// bytes without consuming them: whichever driver ends up owning the
// connection (http1.NewConn or http2.NewConn) builds its own buffered
// reader from the net.Conn it receives, so the preface bytes must still be
// there to read.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, br: bufio.NewReaderSize(c, 4096)}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// looksLikeH2Preface peeks the connection preface length without
// consuming it (RFC 7540 §3.5's 24-byte client preface).
func (p *peekConn) looksLikeH2Preface() (bool, error) {
	n := len(h2.ClientPreface)
	buf, err := p.br.Peek(n)
	if err != nil {
		return false, err
	}
	return string(buf) == h2.ClientPreface, nil
}

// selectProtocol picks "2.0", "1.1" or "1.0" for an accepted connection
// (spec.md §6: "choice by ALPN... when TLS, otherwise by sniffing the
// first 24 bytes for the HTTP/2 preface"), returning the net.Conn the
// chosen driver should read from. For TLS it triggers the handshake
// explicitly (Accept returns a *tls.Conn lazily, before the handshake
// runs) so ConnectionState().NegotiatedProtocol is available. Neither
// branch consumes bytes the chosen driver will need: the HTTP/2 preface is
// still read by Conn.readPreface() regardless of how the protocol was
// selected (RFC 7540 requires it unconditionally), so only the plaintext
// branch needs the non-destructive peek.
func selectProtocol(netConn net.Conn) (string, net.Conn, error) {
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return "", nil, err
		}
		if tlsConn.ConnectionState().NegotiatedProtocol == h2.NextProtoTLS {
			return "2.0", tlsConn, nil
		}
		return "1.1", tlsConn, nil
	}

	pc := newPeekConn(netConn)
	isH2, err := pc.looksLikeH2Preface()
	if err != nil {
		return "", nil, err
	}
	if isH2 {
		return "2.0", pc, nil
	}
	return "1.1", pc, nil
}
