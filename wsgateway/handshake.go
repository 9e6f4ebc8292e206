// Package wsgateway implements Rfc6455Gateway, spec.md §4.4: the HTTP
// upgrade handshake and a hand-rolled RFC 6455 frame state machine the
// gateway drives itself, per-connection, after taking ownership of the raw
// socket away from the HTTP/1 driver (spec.md §4.4 "relinquishes the raw
// socket... to itself"). Frame shape and parser/builder logic are grounded
// on other_examples' pepnova-9-go-websocket-server (parseFrames/buildFrame)
// and jason-cq-nats-server's server-websocket.go (opcode/close-code
// tables, timer discipline); the handshake and gateway plumbing are
// grounded on the teacher's Hijacker (driver.Hijacker, conn.go).
package wsgateway

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/request"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes Sec-WebSocket-Accept from a client's Sec-WebSocket-Key
// (spec.md §4.4, §8's testable property).
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsUpgradeRequest reports whether headers name a valid RFC 6455 upgrade
// request (spec.md §4.4: "Upgrade: websocket + Connection: Upgrade +
// Sec-WebSocket-Version: 13 + Sec-WebSocket-Key").
func IsUpgradeRequest(headers header.Map) bool {
	if !strings.EqualFold(headers.Get("upgrade"), "websocket") {
		return false
	}
	if !hasUpgradeToken(headers.Get("connection")) {
		return false
	}
	if headers.Get("sec-websocket-version") != "13" {
		return false
	}
	return headers.Get("sec-websocket-key") != ""
}

func hasUpgradeToken(connectionHeader string) bool {
	for _, part := range strings.Split(connectionHeader, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			return true
		}
	}
	return false
}

// HandshakeData is what onOpen/onHandshake callbacks receive: the request
// headers and the negotiated subprotocol, if any (spec.md §4.4).
type HandshakeData struct {
	Headers     header.Map
	Subprotocol string
}

// OnHandshake lets the application select one of the client's offered
// sub-protocols (spec.md §4.4: "onHandshake may set response headers to
// select one offered sub-protocol"). Returning "" selects none.
type OnHandshake func(offered []string, headers header.Map) string

// Subprotocols parses Sec-WebSocket-Protocol the same way gorilla/websocket
// does, by adapting our header.Map into the *http.Request shape that
// library's Subprotocols expects -- reusing the pack's own WebSocket
// dependency for this one piece of wire parsing rather than reimplementing
// a comma-split (spec.md expects the gateway to own frame parsing itself,
// not necessarily subprotocol header parsing).
func Subprotocols(headers header.Map) []string {
	hdr := http.Header{}
	for _, v := range headers.Values("sec-websocket-protocol") {
		hdr.Add("Sec-Websocket-Protocol", v)
	}
	return websocket.Subprotocols(&http.Request{Header: hdr})
}

// Upgrade performs the HTTP/1 -> WebSocket handshake described in spec.md
// §4.4: validates the request, hijacks the raw connection away from the
// HTTP driver via req.Locals[driver.LocalVarHijacker], writes the 101
// response, and hands the live net.Conn to gw to run its frame loop.
// Returns driver.ErrHijacked on success so the calling HTTP/1 Conn.Serve
// loop stops touching the connection.
func Upgrade(gw *Gateway, req *request.InternalRequest, onHandshake OnHandshake) error {
	if !IsUpgradeRequest(req.Headers) {
		return errs.NewProtocolError(400, "not a valid WebSocket upgrade request")
	}

	hijackerAny, ok := req.GetLocalVar(driver.LocalVarHijacker)
	if !ok {
		return errs.NewInternalError("wsgateway: driver does not support hijacking", nil)
	}
	hijacker, ok := hijackerAny.(driver.Hijacker)
	if !ok {
		return errs.NewInternalError("wsgateway: hijacker local var has wrong type", nil)
	}
	netConn, br, err := hijacker.Hijack()
	if err != nil {
		return err
	}

	offered := Subprotocols(req.Headers)
	var chosen string
	if onHandshake != nil {
		chosen = onHandshake(offered, req.Headers)
	}

	if err := writeUpgradeResponse(netConn, req.Headers.Get("sec-websocket-key"), chosen); err != nil {
		netConn.Close()
		return err
	}

	gw.adopt(netConn, br, HandshakeData{Headers: req.Headers, Subprotocol: chosen})
	return driver.ErrHijacked
}

func writeUpgradeResponse(conn net.Conn, clientKey, subprotocol string) error {
	bw := bufio.NewWriter(conn)
	if _, err := bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if _, err := bw.WriteString("Upgrade: websocket\r\n"); err != nil {
		return err
	}
	if _, err := bw.WriteString("Connection: Upgrade\r\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "Sec-WebSocket-Accept: %s\r\n", AcceptKey(clientKey)); err != nil {
		return err
	}
	if subprotocol != "" {
		if _, err := fmt.Fprintf(bw, "Sec-WebSocket-Protocol: %s\r\n", subprotocol); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}
