// Package codec implements the response pipeline's filter chain (spec.md
// §4.3): a pull/push transducer chain that turns a Response's headers and
// body chunks into protocol-ready frames, with filters able to buffer,
// flush, or terminate early.
//
// spec.md §9 ("Routines as response writers") asks for this to be modeled
// as a typed input channel carrying a sum type {Headers, Chunk, Flush,
// End} rather than language-specific coroutines; Value below is that sum
// type, and Filter.Process is the transducer step a driver or downstream
// filter drives by calling repeatedly.
package codec

import (
	"context"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
)

// Kind discriminates a Value's payload.
type Kind int

const (
	KindHeaders Kind = iota
	KindChunk
	KindFlush
	KindEnd
)

// Value is one item flowing through the codec: a header dictionary, a
// non-empty body chunk, an intermediate flush signal, or end-of-stream.
// Exactly one KindHeaders item occurs, first; exactly one KindEnd item
// occurs, last (spec.md §4.3 runtime guarantee).
type Value struct {
	Kind    Kind
	Status  int
	Reason  string
	Headers header.Map
	Chunk   []byte
}

func Headers(status int, reason string, h header.Map) Value {
	return Value{Kind: KindHeaders, Status: status, Reason: reason, Headers: h}
}
func Chunk(b []byte) Value { return Value{Kind: KindChunk, Chunk: b} }
func Flush() Value         { return Value{Kind: KindFlush} }
func End() Value           { return Value{Kind: KindEnd} }

// Emit is how a Filter hands a transformed Value to the next stage.
type Emit func(Value) error

// Filter is a stateful transducer fed Values in sequence by the chain
// runtime; Key identifies it for badFilterKeys reporting on failure
// (spec.md §4.3).
type Filter interface {
	Key() string
	Process(ctx context.Context, in Value, emit Emit) error
}

// Chain composes filters so each receives the previous filter's emitted
// Values as its own input, and the last filter's output reaches the
// driver. A filter erroring sets the chain's failure state; the caller
// (pipeline) is responsible for mapping that into a 500 substitution or
// stream abort per spec.md §4.3's "filter throwing" rule.
type Chain struct {
	filters []Filter

	headersSeen bool
	endSeen     bool
	bytesFlushed bool

	failedFilterKeys []string
}

// New builds a Chain. Filters run in the given order: filters[0] sees the
// responder's raw output first; filters[len-1]'s output is what the
// driver serializes.
func New(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// BytesFlushed reports whether any byte has reached the end of the chain
// yet -- the pipeline uses this to decide between substituting a generic
// 500 (nothing flushed) and aborting the stream (spec.md §4.3).
func (c *Chain) BytesFlushed() bool { return c.bytesFlushed }

// FailedFilterKeys returns the keys of filters that raised, in the order
// their failures occurred; this is the badFilterKeys list of spec.md §4.3.
func (c *Chain) FailedFilterKeys() []string { return c.failedFilterKeys }

// Feed pushes one Value through the entire chain, invoking sink for every
// Value that reaches the end. It enforces the "exactly one Headers frame,
// one terminal End" shape and maps any filter error into a
// FilterException tagging the offending filter's key.
func (c *Chain) Feed(ctx context.Context, in Value, sink Emit) error {
	switch in.Kind {
	case KindHeaders:
		if c.headersSeen {
			return errs.NewInternalError("codec: duplicate Headers value fed to chain", nil)
		}
		c.headersSeen = true
	case KindEnd:
		if c.endSeen {
			return nil
		}
		c.endSeen = true
	}

	wrappedSink := func(v Value) error {
		if v.Kind == KindChunk && len(v.Chunk) > 0 {
			c.bytesFlushed = true
		}
		return sink(v)
	}

	return c.feedThrough(ctx, 0, in, wrappedSink)
}

func (c *Chain) feedThrough(ctx context.Context, idx int, in Value, sink Emit) error {
	if idx >= len(c.filters) {
		return sink(in)
	}
	f := c.filters[idx]
	var downstreamErr error
	next := func(v Value) error {
		err := c.feedThrough(ctx, idx+1, v, sink)
		if err != nil {
			downstreamErr = err
		}
		return err
	}
	if err := f.Process(ctx, in, next); err != nil {
		if downstreamErr != nil && err == downstreamErr {
			// Already tagged (or a sink error); pass it up unchanged.
			return err
		}
		c.failedFilterKeys = append(c.failedFilterKeys, f.Key())
		return errs.NewFilterException(f.Key(), err)
	}
	return nil
}

// Close ensures a terminal End reaches the driver exactly once, even if
// the producer never fed one (e.g. it errored out mid-stream). Matches
// spec.md §4.3's "closing the chain always emits a terminal null".
func (c *Chain) Close(ctx context.Context, sink Emit) error {
	if c.endSeen {
		return nil
	}
	return c.Feed(ctx, End(), sink)
}
