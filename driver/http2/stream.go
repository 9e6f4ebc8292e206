package http2

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/stream"
)

// streamState names the RFC 7540 §5.1 states Aerys actually distinguishes;
// ReservedLocal (push) is not modelled: a pushed stream starts as
// HalfClosedRemote, since the client never sends on it.
type streamState int

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedRemote // client sent END_STREAM; we may still be sending
	streamHalfClosedLocal  // we sent END_STREAM; client may still be sending
	streamClosed
)

// Stream is one HTTP/2 stream's state: the header-block accumulator, the
// request body pipe, and its two flow-control windows (spec.md §4.2,
// "per-stream flow control windows"). Grounded on dgrr-http2's Stream
// (serverConn.go): origType/startedAt/window fields map directly, widened
// here to separate send/receive windows and the explicit RFC 7540 state
// names instead of dgrr's simplified open/closed pair.
type Stream struct {
	id        uint32
	state     streamState
	startedAt time.Time

	sendWindow int64 // atomic: bytes we may still send as DATA
	recvWindow int64 // atomic: bytes of receive window left before a WINDOW_UPDATE is owed

	headerBlock bytes.Buffer
	trace       []request.TraceHeaderPair
	headersDone bool

	authority string // scheme://host:port of this stream's request, for push same-authority checks

	emitter *stream.BodyEmitter
	body    *stream.Message

	endStreamRecv bool
}

func newStream(id uint32, initialSendWindow, initialRecvWindow int32) *Stream {
	s := &Stream{id: id, state: streamIdle, startedAt: time.Now()}
	s.sendWindow = int64(initialSendWindow)
	s.recvWindow = int64(initialRecvWindow)
	return s
}

func (s *Stream) addSendWindow(n int32) int64 {
	return atomic.AddInt64(&s.sendWindow, int64(n))
}

func (s *Stream) loadSendWindow() int64 {
	return atomic.LoadInt64(&s.sendWindow)
}

func (s *Stream) consumeSendWindow(n int64) {
	atomic.AddInt64(&s.sendWindow, -n)
}

func (s *Stream) consumeRecvWindow(n int64) int64 {
	return atomic.AddInt64(&s.recvWindow, -n)
}

func (s *Stream) refillRecvWindow(n int64) {
	atomic.AddInt64(&s.recvWindow, n)
}
