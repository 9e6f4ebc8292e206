package wsgateway

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/stream"
)

// wsConn drives one upgraded connection's RFC 6455 frame state machine in
// its own goroutine (run), serializing the application callbacks the same
// way driver/http1.Conn serializes request dispatch: one goroutine, one
// in-flight callback at a time. Outbound writes (send/broadcast/close,
// and the gateway's own PING/PONG/close-frame traffic) come from other
// goroutines and are serialized separately by writeMu.
type wsConn struct {
	gw       *Gateway
	clientID string
	data     HandshakeData

	netConn net.Conn
	br      *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool

	awaitingPong bool
	openedAt     int64 // ticker.Now() at adopt time, for connection introspection

	// msgEmitter is the in-progress fragmented message's lazy byte
	// sequence, non-nil between the first fragment of a text/binary
	// message and its fin frame (spec.md §4.4 "Message... resolves
	// incrementally as fragments arrive").
	msgEmitter *stream.BodyEmitter
	msgBinary  bool
	msgBuf     []byte // accumulated for the UTF-8-on-completion check
}

func newWSConn(gw *Gateway, clientID string, netConn net.Conn, br *bufio.Reader, data HandshakeData) *wsConn {
	return &wsConn{
		gw:       gw,
		clientID: clientID,
		netConn:  netConn,
		br:       br,
		data:     data,
		openedAt: gw.ticker.Now(),
	}
}

// run is the per-connection read loop: it owns netConn's read side until
// the connection closes, dispatching onOpen/onData/onClose/onError as it
// goes (spec.md §4.4).
func (c *wsConn) run() {
	if c.gw.onOpen != nil {
		c.gw.onOpen(c.clientID, c.data)
	}

	err := c.readLoop()

	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		c.netConn.Close()
		c.gw.forget(c.clientID)
	})

	if err != nil && c.gw.onError != nil {
		c.gw.onError(c.clientID, err)
	}
}

func (c *wsConn) readLoop() error {
	var buf []byte

	for {
		c.armDeadline()

		frm, consumed, err := c.nextFrame(&buf)
		if err != nil {
			done, rerr := c.handleReadError(err)
			if done {
				return rerr
			}
			continue
		}
		if consumed == 0 {
			continue // short read, parseFrame needs more bytes
		}

		switch frm.opcode {
		case opText, opBinary:
			if err := c.beginMessage(frm); err != nil {
				done, rerr := c.classifyMessageError(err)
				if done {
					return rerr
				}
			}
		case opContinuation:
			if err := c.continueMessage(frm); err != nil {
				done, rerr := c.classifyMessageError(err)
				if done {
					return rerr
				}
			}
		case opPing:
			if err := c.sendControl(opPong, frm.payload); err != nil {
				return err
			}
		case opPong:
			c.awaitingPong = false
		case opClose:
			return c.handleCloseFrame(frm)
		}
	}
}

// nextFrame reads from the wire into *buf until parseFrame can decode one
// complete frame, then trims the consumed bytes off the front of *buf.
func (c *wsConn) nextFrame(buf *[]byte) (frame, int, error) {
	for {
		frm, n, err := parseFrame(*buf, c.gw.opts.MaxFrameSize)
		switch {
		case err == nil:
			*buf = (*buf)[n:]
			return frm, n, nil
		case err == errShortFrame:
			chunk := make([]byte, 4096)
			read, rerr := c.br.Read(chunk)
			if read > 0 {
				*buf = append(*buf, chunk[:read]...)
			}
			if rerr != nil {
				return frame{}, 0, rerr
			}
		default:
			return frame{}, 0, err
		}
	}
}

// armDeadline implements spec.md §4.4's heartbeat/closePeriod timers via
// read deadlines, mirroring driver/http1's own deadline-based idle
// timeout rather than introducing a separate timer goroutine per
// connection.
func (c *wsConn) armDeadline() {
	period := c.gw.opts.HeartbeatPeriod
	if c.awaitingPong {
		period = c.gw.opts.ClosePeriod
	}
	if period > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(period))
	}
}

// handleReadError classifies one nextFrame error. done==false means the
// read loop should keep going (a heartbeat PING was just sent); done==true
// means the connection is finished and the loop should return rerr.
func (c *wsConn) handleReadError(err error) (done bool, rerr error) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if c.awaitingPong {
			// No PONG within closePeriod: abort locally, no close frame
			// (spec.md §4.4 "connection aborted with code 1006 locally").
			c.closeLocally(closeAbnormal, "")
			return true, nil
		}
		c.awaitingPong = true
		if werr := c.sendControl(opPing, nil); werr != nil {
			return true, werr
		}
		return false, nil
	}
	if pv, ok := err.(*protocolViolation); ok {
		c.closeLocally(closeProtocolError, pv.msg)
		return true, nil
	}
	if cse, ok := err.(*errs.ClientSizeException); ok {
		c.closeLocally(closeMessageTooBig, cse.Kind)
		return true, nil
	}
	return true, errs.NewClientException("ws-read", err)
}

// beginMessage starts a new fragmented (or single-frame) message.
func (c *wsConn) beginMessage(frm frame) error {
	if c.msgEmitter != nil {
		return errs.NewProtocolError(int(closeProtocolError), "new message before previous fin")
	}
	emitter, msg := stream.New(c.gw.opts.MaxMsgSize, 0)
	c.msgEmitter = emitter
	c.msgBinary = frm.opcode == opBinary
	c.msgBuf = nil

	if c.gw.onData != nil {
		c.gw.onData(c.clientID, msg, c.msgBinary)
	}
	return c.appendFragment(frm)
}

func (c *wsConn) continueMessage(frm frame) error {
	if c.msgEmitter == nil {
		return errs.NewProtocolError(int(closeProtocolError), "continuation without an open message")
	}
	return c.appendFragment(frm)
}

func (c *wsConn) appendFragment(frm frame) error {
	if !c.msgBinary {
		c.msgBuf = append(c.msgBuf, frm.payload...)
	}
	if err := c.msgEmitter.Emit(context.Background(), frm.payload); err != nil {
		c.msgEmitter = nil
		return err
	}
	if frm.fin {
		if !c.msgBinary && !validTextMessage(c.msgBuf) {
			badUTF8 := errs.NewProtocolError(int(closeInvalidPayload), "invalid UTF-8")
			c.msgEmitter.Fail(badUTF8)
			c.msgEmitter = nil
			return badUTF8
		}
		c.msgEmitter.Complete()
		c.msgEmitter = nil
		c.msgBuf = nil
	}
	return nil
}

// classifyMessageError maps an error from beginMessage/continueMessage to
// the close code spec.md §4.4 assigns it, sends the close frame, and
// reports whether the connection is now finished. The only error kind
// that keeps the loop going would be one classifyMessageError doesn't
// recognize, which never happens today; every caller passes one of the
// two errors below.
func (c *wsConn) classifyMessageError(err error) (done bool, rerr error) {
	if perr, ok := err.(*errs.ProtocolError); ok {
		if perr.Status == int(closeInvalidPayload) {
			c.closeLocally(closeInvalidPayload, "invalid UTF-8")
		} else {
			c.closeLocally(closeProtocolError, perr.Msg)
		}
		return true, nil
	}
	if cse, ok := err.(*errs.ClientSizeException); ok {
		c.closeLocally(closeMessageTooBig, cse.Kind)
		return true, nil
	}
	return true, err
}

func (c *wsConn) handleCloseFrame(frm frame) error {
	code, reason := parseCloseFrame(frm.payload)
	echo := code
	if !allowedCloseCode(code) {
		echo = int(closeProtocolError)
	}
	c.sendRaw(buildCloseFrame(echo, ""))
	if c.gw.onClose != nil {
		c.gw.onClose(c.clientID, code, reason)
	}
	return nil
}

func parseCloseFrame(payload []byte) (int, string) {
	if len(payload) < 2 {
		return int(closeNoStatus), ""
	}
	code := int(payload[0])<<8 | int(payload[1])
	return code, string(payload[2:])
}

// closeLocally sends a best-effort close frame (when code != 1006, the
// abnormal-abort sentinel that per RFC 6455 §7.1.5 is never actually put
// on the wire) and tears the connection down.
func (c *wsConn) closeLocally(code int, reason string) {
	if code != closeAbnormal {
		c.sendRaw(buildCloseFrame(code, reason))
	}
	if c.gw.onClose != nil {
		c.gw.onClose(c.clientID, code, reason)
	}
}

func (c *wsConn) sendControl(opcode byte, payload []byte) error {
	return c.sendRaw(buildFrame(opcode, payload, true))
}

// send builds and writes one unfragmented data frame (spec.md §4.4
// "send(clientId, payload, binary=false)").
func (c *wsConn) send(payload []byte, binary bool) error {
	opcode := byte(opText)
	if binary {
		opcode = opBinary
	}
	return c.sendRaw(buildFrame(opcode, payload, true))
}

// sendRaw writes an already-built frame, serialized against every other
// writer of this connection (spec.md §5 "outgoing frames per connection
// are strictly ordered").
func (c *wsConn) sendRaw(frameBytes []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errs.NewClientException("ws-send", nil)
	}
	_, err := c.netConn.Write(frameBytes)
	return err
}

func (c *wsConn) initiateClose(code int, reason string) error {
	if err := c.sendRaw(buildCloseFrame(code, reason)); err != nil {
		return err
	}
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		c.netConn.Close()
		c.gw.forget(c.clientID)
	})
	return nil
}
