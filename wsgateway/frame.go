package wsgateway

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Opcodes (RFC 6455 §5.2).
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

const (
	finBit  = 1 << 7
	rsvMask = 0x70
	maskBit = 1 << 7

	maxControlPayload = 125
)

// Close codes reused from gorilla/websocket rather than re-declared; the
// frame driver uses no other part of that library (handshake.go uses it
// separately for Subprotocols), so the parser itself stays hand-rolled.
const (
	closeNormal         = websocket.CloseNormalClosure
	closeGoingAway       = websocket.CloseGoingAway
	closeProtocolError   = websocket.CloseProtocolError
	closeUnsupportedData = websocket.CloseUnsupportedData
	closeNoStatus        = websocket.CloseNoStatusReceived
	closeAbnormal        = websocket.CloseAbnormalClosure
	closeInvalidPayload  = websocket.CloseInvalidFramePayloadData
	closePolicyViolation = websocket.ClosePolicyViolation
	closeMessageTooBig   = websocket.CloseMessageTooBig
	closeInternalError   = websocket.CloseInternalServerErr
)

var errShortFrame = errors.New("wsgateway: incomplete frame")

// frame is one parsed WebSocket frame (RFC 6455 §5.2).
type frame struct {
	fin     bool
	rsv     byte
	opcode  byte
	masked  bool
	payload []byte
}

// parseFrame decodes exactly one frame from buf, returning the frame, the
// number of bytes consumed, and errShortFrame if buf doesn't yet hold a
// complete frame (the caller should read more and retry). Grounded on
// pepnova-9-go-websocket-server's parseFrames, generalized to a single-
// frame-at-a-time API since the gateway here drives its own per-connection
// read loop rather than scanning a whole buffer at once.
func parseFrame(buf []byte, maxFrameSize int64) (frame, int, error) {
	if len(buf) < 2 {
		return frame{}, 0, errShortFrame
	}

	first := buf[0]
	fin := first&finBit != 0
	rsv := first & rsvMask
	opcode := first & 0x0F

	second := buf[1]
	masked := second&maskBit != 0
	length := int64(second & 0x7F)
	pos := 2

	switch length {
	case 126:
		if len(buf)-pos < 2 {
			return frame{}, 0, errShortFrame
		}
		length = int64(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
	case 127:
		if len(buf)-pos < 8 {
			return frame{}, 0, errShortFrame
		}
		length = int64(binary.BigEndian.Uint64(buf[pos : pos+8]))
		pos += 8
	}

	if isControlOpcode(opcode) && (length > maxControlPayload || !fin) {
		return frame{}, 0, newProtocolViolation("control frame too large or fragmented")
	}
	if maxFrameSize > 0 && length > maxFrameSize {
		return frame{}, 0, newProtocolViolation("frame exceeds maxFrameSize")
	}

	var maskKey [4]byte
	if masked {
		if len(buf)-pos < 4 {
			return frame{}, 0, errShortFrame
		}
		copy(maskKey[:], buf[pos:pos+4])
		pos += 4
	}

	if int64(len(buf)-pos) < length {
		return frame{}, 0, errShortFrame
	}

	payload := make([]byte, length)
	copy(payload, buf[pos:int64(pos)+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	pos += int(length)

	return frame{fin: fin, rsv: rsv, opcode: opcode, masked: masked, payload: payload}, pos, nil
}

func isControlOpcode(opcode byte) bool {
	return opcode == opClose || opcode == opPing || opcode == opPong
}

// buildFrame serializes a server-to-client frame (never masked: RFC 6455
// §5.1 masking is client-to-server only).
func buildFrame(opcode byte, payload []byte, fin bool) []byte {
	first := byte(0)
	if fin {
		first = finBit
	}
	first |= opcode & 0x0F

	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{first, byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0], header[1] = first, 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0], header[1] = first, 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	return append(header, payload...)
}

func buildCloseFrame(code int, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return buildFrame(opClose, payload, true)
}

// validTextMessage reports whether a completed text message's bytes are
// valid UTF-8 (RFC 6455 §8.1 -> close code 1007 on failure, spec.md §4.4).
func validTextMessage(b []byte) bool {
	return utf8.Valid(b)
}

// allowedCloseCode reports whether code is a close code a peer may legally
// send (RFC 6455 §7.4.1): the well-known range 1000-1003/1007-1011, or the
// unreserved application range 3000-4999.
func allowedCloseCode(code int) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code == closeNormal, code == closeGoingAway, code == closeProtocolError,
		code == closeUnsupportedData, code == closeInvalidPayload,
		code == closePolicyViolation, code == closeMessageTooBig,
		code == websocket.CloseMandatoryExtension, code == closeInternalError:
		return true
	default:
		return false
	}
}

// newProtocolViolation names a frame-level RFC 6455 violation;
// wsConn.handleReadError maps it to close code 1002.
type protocolViolation struct{ msg string }

func (e *protocolViolation) Error() string { return "wsgateway: " + e.msg }

func newProtocolViolation(msg string) error { return &protocolViolation{msg: msg} }
