package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/codec"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/request"
	"github.com/wslaghekke/aerys/response"
)

func TestRunEchoResponder(t *testing.T) {
	req := &request.InternalRequest{
		Method: "GET",
		Responder: func(ctx context.Context, r *request.InternalRequest) (any, error) {
			resp := response.New(200)
			resp.Headers.Set("content-type", "text/plain")
			resp.SetBody([]byte("x=1,x=2"))
			resp.Headers.Set(codec.PseudoEntityLength, "7")
			return resp, nil
		},
	}

	chain := codec.New(codec.NewNullBodyFilter(false))
	var got []codec.Value
	err := Run(context.Background(), req, chain, func(v codec.Value) error {
		got = append(got, v)
		return nil
	}, Config{})
	require.NoError(t, err)
	require.Equal(t, codec.KindHeaders, got[0].Kind)
	require.Equal(t, 200, got[0].Status)
	require.Equal(t, "x=1,x=2", string(got[1].Chunk))
	require.Equal(t, codec.KindEnd, got[2].Kind)
}

func TestRunMiddlewareCanShortCircuit(t *testing.T) {
	order := []string{}
	mw := func(ctx context.Context, r *request.InternalRequest, submit func(context.Context) (any, error)) (any, error) {
		order = append(order, "before")
		v, err := submit(ctx)
		order = append(order, "after")
		return v, err
	}
	req := &request.InternalRequest{
		Middlewares: []request.Middleware{mw},
		Responder: func(ctx context.Context, r *request.InternalRequest) (any, error) {
			order = append(order, "responder")
			resp := response.New(204)
			resp.Headers = header.New()
			return resp, nil
		},
	}
	chain := codec.New(codec.NewNullBodyFilter(false))
	err := Run(context.Background(), req, chain, func(codec.Value) error { return nil }, Config{})
	require.NoError(t, err)
	require.Equal(t, []string{"before", "responder", "after"}, order)
}

func TestRunMiddlewareErrorSubstitutesGeneric500(t *testing.T) {
	req := &request.InternalRequest{
		Responder: func(ctx context.Context, r *request.InternalRequest) (any, error) {
			return nil, context.DeadlineExceeded
		},
	}
	chain := codec.New()
	var got []codec.Value
	err := Run(context.Background(), req, chain, func(v codec.Value) error {
		got = append(got, v)
		return nil
	}, Config{})
	require.NoError(t, err)
	require.Equal(t, 500, got[0].Status)
	require.True(t, req.FilterErrorFlag)
}
