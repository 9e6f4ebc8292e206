// Package pipeline drives one request through its middleware chain and
// the resulting Response through the codec (spec.md §4.3): it is the glue
// between request.Dispatch, a concrete *response.Response, and a
// codec.Chain feeding a protocol driver's sink.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/driver"
	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/response"
)

// Config carries the per-request knobs the generic error body needs
// (spec.md §6 makeGenericBody).
type Config struct {
	ServerToken string // "" if sendServerToken is false
	HTTPDate    string
}

// Run executes req's middleware chain down to the responder, then drains
// the resulting Response through chain, feeding every codec.Value to
// sink. It implements spec.md §4.3's failure rule: a middleware or filter
// fault substitutes a generic 500 if no bytes have flushed yet, or aborts
// (returns the error) if some already have.
func Run(ctx context.Context, req *request.InternalRequest, chain *codec.Chain, sink codec.Emit, cfg Config) error {
	result, dispatchErr := request.Dispatch(ctx, req)

	var resp *response.Response
	if dispatchErr != nil {
		req.FilterErrorFlag = true
		resp = genericErrorResponse(500, cfg)
	} else if r, ok := result.(*response.Response); ok {
		resp = r
	} else {
		req.FilterErrorFlag = true
		resp = genericErrorResponse(500, cfg)
	}

	runPushes(req, resp)

	if err := feedHeaders(ctx, req, chain, resp, sink, cfg); err != nil {
		return err
	}

	if resp.Writes() == nil {
		return feedInMemoryBody(ctx, chain, resp, sink)
	}
	return feedStreamingBody(ctx, chain, resp, sink)
}

func feedHeaders(ctx context.Context, req *request.InternalRequest, chain *codec.Chain, resp *response.Response, sink codec.Emit, cfg Config) error {
	h := resp.Headers.Clone()
	if h == nil {
		h = header.New()
	}
	for _, v := range resp.RenderCookies(time.Unix(req.Time, 0)) {
		h.Add("set-cookie", v)
	}
	err := chain.Feed(ctx, codec.Headers(resp.Status, resp.Reason, h), sink)
	if err == nil {
		return nil
	}

	var filterErr *errs.FilterException
	if errors.As(err, &filterErr) {
		req.FilterErrorFlag = true
		req.BadFilterKeys = append(req.BadFilterKeys, chain.FailedFilterKeys()...)
	}
	if chain.BytesFlushed() {
		return err
	}
	// Nothing flushed yet: substitute a fresh generic 500 on a fresh
	// chain-less path directly to the sink (the original chain may be in
	// an inconsistent state after erroring).
	fallback := genericErrorResponse(500, cfg)
	if err := sink(codec.Headers(fallback.Status, fallback.Reason, fallback.Headers)); err != nil {
		return err
	}
	if err := sink(codec.Chunk(fallback.Body())); err != nil {
		return err
	}
	return sink(codec.End())
}

// feedInMemoryBody and feedStreamingBody run after the header frame has
// already gone out successfully, so a mid-body filter fault here always
// means the stream is aborted (the 500-substitution path only applies
// before any bytes have flushed, handled in feedHeaders).
func feedInMemoryBody(ctx context.Context, chain *codec.Chain, resp *response.Response, sink codec.Emit) error {
	body := resp.Body()
	if len(body) > 0 {
		if err := chain.Feed(ctx, codec.Chunk(body), sink); err != nil {
			return err
		}
	}
	return chain.Feed(ctx, codec.End(), sink)
}

func feedStreamingBody(ctx context.Context, chain *codec.Chain, resp *response.Response, sink codec.Emit) error {
	for wr := range resp.Writes() {
		var err error
		if len(wr.Data) > 0 {
			err = chain.Feed(ctx, codec.Chunk(wr.Data), sink)
		}
		if err == nil && wr.End {
			err = chain.Feed(ctx, codec.End(), sink)
		}
		response.Resolve(wr, err)
		if err != nil {
			return err
		}
		if wr.End {
			return nil
		}
	}
	return chain.Close(ctx, sink)
}

// runPushes turns every response.Response.AddPush entry into an actual
// PUSH_PROMISE, via the driver.Pusher the connection stashed in req.Locals
// (spec.md §4.2 push()). Must run before feedHeaders: RFC 7540 §8.2.1
// requires a PUSH_PROMISE to precede the response headers of the stream it
// was promised on. On HTTP/1 (no Pusher local set) queued pushes are
// silently dropped -- push has no meaning outside HTTP/2.
func runPushes(req *request.InternalRequest, resp *response.Response) {
	if len(resp.Push) == 0 {
		return
	}
	v, ok := req.GetLocalVar(driver.LocalVarPusher)
	if !ok {
		return
	}
	pusher, ok := v.(driver.Pusher)
	if !ok {
		return
	}
	for path, extraHeaders := range resp.Push {
		pusher.Push("GET", path, extraHeaders)
	}
}

func genericErrorResponse(status int, cfg Config) *response.Response {
	r := response.New(status)
	r.Headers.Set("content-type", "text/html; charset=utf-8")
	body := response.MakeGenericBody(status, "", "", "", cfg.ServerToken, cfg.HTTPDate)
	r.SetBody([]byte(body))
	r.Headers.Set(codec.PseudoEntityLength, strconv.Itoa(len(body)))
	return r
}
