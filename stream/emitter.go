// Package stream implements the BodyEmitter and Message abstractions of
// spec.md §3 and §5: a bounded asynchronous queue that delivers request
// body bytes from a protocol driver to a consumer, applying backpressure
// when the consumer falls behind and bounding total size against
// maxBodySize.
//
// The teacher's bodies (body.go, transfer_body_reader.go) are synchronous
// io.Readers over a bufio.Reader because net/http's server loop is one
// goroutine per connection blocked in handler code. Aerys's cooperative-
// suspension model (spec.md §5, design note in §9 on "routines as response
// writers") is realized here as a mutex-protected queue with per-waiter
// channels instead of sync.Cond, so waits can be cancelled via context
// (a client disconnect cancels every suspension tied to that client).
package stream

import (
	"context"
	"io"
	"sync"

	"github.com/wslaghekke/aerys/errs"
)

type waiter chan struct{}

// BodyEmitter is the producer-side handle a driver uses to push body
// bytes; Message is the consumer-side handle a responder/middleware uses
// to read them. Both share the same underlying state.
type BodyEmitter struct {
	state *emitterState
}

// Message is the lazy byte sequence exposed to application code via
// Request.getBody() (spec.md §6).
type Message struct {
	state *emitterState
}

type emitterState struct {
	mu sync.Mutex

	chunks      [][]byte
	readOffset  int // byte offset already consumed from chunks[0]
	pendingSize int64

	totalEmitted int64
	maxSize      int64
	softCap      int64

	ended        bool
	consumerGone bool
	termErr      error // non-nil iff ended abnormally (Client(Size)Exception); nil + ended == clean EOF

	drainWaiters []waiter
	dataWaiters  []waiter
}

// New creates a linked BodyEmitter/Message pair bounded by maxSize bytes
// and softCap bytes of unconsumed buffering.
func New(maxSize, softCap int64) (*BodyEmitter, *Message) {
	if softCap <= 0 {
		softCap = 1 << 16
	}
	s := &emitterState{maxSize: maxSize, softCap: softCap}
	return &BodyEmitter{state: s}, &Message{state: s}
}

func wakeAll(ws []waiter) []waiter {
	for _, w := range ws {
		close(w)
	}
	return ws[:0]
}

// Emit appends b to the queue and blocks (cooperatively, honoring ctx)
// until the queue has drained back under softCap, matching spec.md §3's
// "returns a completion handle suspended until consumer drained below the
// watermark". Exceeding maxSize fails the stream with ClientSizeException
// and does not block further.
func (e *BodyEmitter) Emit(ctx context.Context, b []byte) error {
	s := e.state
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return errs.NewClientException("emit", nil)
	}
	if s.totalEmitted+int64(len(b)) > s.maxSize {
		err := errs.NewClientSizeException("body", s.totalEmitted+int64(len(b)), s.maxSize)
		s.termErr = err
		s.ended = true
		s.dataWaiters = wakeAll(s.dataWaiters)
		s.mu.Unlock()
		return err
	}
	if len(b) > 0 {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.chunks = append(s.chunks, cp)
		s.pendingSize += int64(len(cp))
		s.totalEmitted += int64(len(cp))
	}
	s.dataWaiters = wakeAll(s.dataWaiters)

	for s.pendingSize >= s.softCap && !s.consumerGone {
		w := make(waiter)
		s.drainWaiters = append(s.drainWaiters, w)
		s.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// Complete marks the body as successfully finished; subsequent Message
// reads observe io.EOF once buffered bytes are drained.
func (e *BodyEmitter) Complete() {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.dataWaiters = wakeAll(s.dataWaiters)
}

// Fail aborts the body with err (typically a ClientException on
// disconnect); Message reads observe err once buffered bytes are drained.
func (e *BodyEmitter) Fail(err error) {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.termErr = err
	s.ended = true
	s.dataWaiters = wakeAll(s.dataWaiters)
}

// UpgradeBodySize raises the effective maxBodySize for this request; the
// HTTP/1 driver calls this on behalf of a consumer that wants more than
// the per-request default (spec.md §4.1 "AWAIT_BODY", oversize path).
func (e *BodyEmitter) UpgradeBodySize(newMax int64) {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if newMax > s.maxSize {
		s.maxSize = newMax
	}
}

// read returns the next buffered chunk (possibly empty only at EOF),
// blocking until data, end, or ctx cancellation.
func (s *emitterState) read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	for {
		if len(s.chunks) > 0 {
			chunk := s.chunks[0]
			rest := chunk[s.readOffset:]
			s.chunks = s.chunks[1:]
			s.readOffset = 0
			s.pendingSize -= int64(len(rest))
			s.drainWaiters = wakeAll(s.drainWaiters)
			s.mu.Unlock()
			return rest, nil
		}
		if s.ended {
			err := s.termErr
			if err == nil {
				err = io.EOF
			}
			s.mu.Unlock()
			return nil, err
		}
		w := make(waiter)
		s.dataWaiters = append(s.dataWaiters, w)
		s.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

// Read returns the next chunk of body bytes in order, io.EOF on clean end,
// or the ClientSizeException/ClientException that aborted the stream
// (spec.md §3, §8 "Body bounds").
func (m *Message) Read(ctx context.Context) ([]byte, error) {
	return m.state.read(ctx)
}

// Buffer reads the entire body into memory, up to limit bytes (limit<=0
// means use the stream's configured maxBodySize), per Request.getBody
// (spec.md §6).
func (m *Message) Buffer(ctx context.Context, limit int64) ([]byte, error) {
	var out []byte
	for {
		chunk, err := m.Read(ctx)
		if len(chunk) > 0 {
			if limit > 0 && int64(len(out)+len(chunk)) > limit {
				return nil, errs.NewClientSizeException("body", int64(len(out)+len(chunk)), limit)
			}
			out = append(out, chunk...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
	}
}

// Close marks the consumer side gone (client disconnected downstream),
// releasing any producer currently blocked in Emit.
func (m *Message) Close() {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerGone = true
	s.drainWaiters = wakeAll(s.drainWaiters)
}
