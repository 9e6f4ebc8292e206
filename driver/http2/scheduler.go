// scheduler.go implements spec.md §4.2's "multiplexing/round-robin
// scheduling": when more than one stream has pending DATA, each ready
// stream gets one frame-sized turn before the scheduler cycles to the
// next, rather than one stream monopolizing the connection while its
// window is open. dgrr-http2 (serverConn.writeData) chunks a single
// stream's body by window/frame size but funnels every stream through one
// unordered channel with no fairness policy; the round-robin cursor below
// is Aerys's own addition layered on top of that chunking idea to meet
// the scheduling requirement spec.md asks for explicitly.
package http2

import (
	"errors"
	"sync"
)

// errClosedScheduler is returned to any submit caller still blocked when
// the connection tears down with data queued.
var errClosedScheduler = errors.New("aerys: http2 connection closed with data still queued")

type outbox struct {
	chunks    [][]byte
	endStream bool
	acks      []chan error // one per Submit call, signaled once that call's bytes are framed
}

// scheduler owns the round-robin order of streams with data queued to
// send and hands frame-sized slices to send (via the caller-supplied
// sendFrame) respecting both the stream's and the connection's send
// window.
type scheduler struct {
	mu        sync.Mutex
	order     []uint32
	boxes     map[uint32]*outbox
	cursor    int
	wake      chan struct{}
	closed    bool
	maxFrame  int
	connWindowGet func() int64
	connWindowConsume func(int64)
}

func newScheduler(maxFrame int, connWindowGet func() int64, connWindowConsume func(int64)) *scheduler {
	return &scheduler{
		boxes:             make(map[uint32]*outbox),
		wake:              make(chan struct{}, 1),
		maxFrame:          maxFrame,
		connWindowGet:     connWindowGet,
		connWindowConsume: connWindowConsume,
	}
}

func (s *scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// submit enqueues data for streamID and blocks the caller until it has
// been fully framed onto the wire (matching the backpressure-by-blocking
// style of stream.Sink/BodyEmitter elsewhere in the codebase).
func (s *scheduler) submit(streamID uint32, data []byte, end bool, streamWindow *Stream, sendFrame func(streamID uint32, chunk []byte, end bool) error) error {
	ack := make(chan error, 1)

	s.mu.Lock()
	ob, ok := s.boxes[streamID]
	if !ok {
		ob = &outbox{}
		s.boxes[streamID] = ob
		s.order = append(s.order, streamID)
	}
	if len(data) > 0 {
		ob.chunks = append(ob.chunks, data)
	}
	if end {
		ob.endStream = true
	}
	ob.acks = append(ob.acks, ack)
	s.mu.Unlock()
	s.signal()

	return <-ack
}

// run drives the round-robin loop: one pass visits every stream
// currently holding data, gives each a single frame-sized write if window
// allows, then yields back to the wake channel once a full pass makes no
// progress. sendFrame performs the actual Framer.WriteData call.
func (s *scheduler) run(sendFrame func(streamID uint32, chunk []byte, end bool) error, streamOf func(uint32) *Stream) {
	for {
		<-s.wake
		for {
			progressed := s.step(sendFrame, streamOf)
			if !progressed {
				break
			}
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

// step scans the streams from the round-robin cursor and writes at most
// one frame, for the first stream that can send. Returns whether a frame
// was written.
func (s *scheduler) step(sendFrame func(streamID uint32, chunk []byte, end bool) error, streamOf func(uint32) *Stream) bool {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return false
	}
	progressed := false

	for i := 0; i < len(s.order); i++ {
		idx := (s.cursor + i) % len(s.order)
		id := s.order[idx]
		ob := s.boxes[id]
		if ob == nil || (len(ob.chunks) == 0 && !ob.endStream) {
			continue
		}

		strm := streamOf(id)
		var strmWindow int64 = 1 << 30
		if strm != nil {
			strmWindow = strm.loadSendWindow()
		}
		connWindow := s.connWindowGet()
		avail := s.maxFrame
		if int64(avail) > strmWindow {
			avail = int(strmWindow)
		}
		if int64(avail) > connWindow {
			avail = int(connWindow)
		}

		var chunk []byte
		endThisFrame := false
		if len(ob.chunks) > 0 {
			if avail <= 0 {
				continue // window exhausted; try the next stream this pass
			}
			head := ob.chunks[0]
			if len(head) <= avail {
				chunk = head
				ob.chunks = ob.chunks[1:]
			} else {
				chunk = head[:avail]
				ob.chunks[0] = head[avail:]
			}
			endThisFrame = ob.endStream && len(ob.chunks) == 0
		} else if ob.endStream {
			endThisFrame = true
		}

		acksToFire := ([]chan error)(nil)
		if len(ob.chunks) == 0 {
			acksToFire = ob.acks
			ob.acks = nil
		}
		done := len(ob.chunks) == 0 && ob.endStream && endThisFrame
		if done {
			s.order = append(s.order[:idx], s.order[idx+1:]...)
			delete(s.boxes, id)
			if idx < s.cursor {
				s.cursor--
			}
		} else {
			s.cursor = idx + 1
		}
		s.mu.Unlock()

		if strm != nil && len(chunk) > 0 {
			strm.consumeSendWindow(int64(len(chunk)))
		}
		if len(chunk) > 0 {
			s.connWindowConsume(int64(len(chunk)))
		}
		err := sendFrame(id, chunk, endThisFrame)
		for _, ack := range acksToFire {
			ack <- err
		}
		return true
	}

	s.mu.Unlock()
	return progressed
}

// close releases any outboxes left pending (connection torn down with
// streams still queued) so blocked submit callers don't leak.
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, ob := range s.boxes {
		for _, ack := range ob.acks {
			ack <- errClosedScheduler
		}
	}
	s.order = nil
	s.boxes = nil
	s.signal()
}
