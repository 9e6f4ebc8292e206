package response

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/cookie"
)

func TestMakeGenericBodyFormat(t *testing.T) {
	body := MakeGenericBody(404, "", "", "", "", "")
	require.True(t, strings.Contains(body, "<h1>404 Not Found</h1>"))
	require.True(t, strings.HasPrefix(body, "<html>"))
	require.True(t, strings.HasSuffix(body, "</html>\n"))
}

func TestResponseEndIsIdempotent(t *testing.T) {
	r := New(200)
	r.Stream()
	ctx := context.Background()

	go func() {
		for req := range r.Writes() {
			Resolve(req, nil)
			if req.End {
				return
			}
		}
	}()

	require.NoError(t, r.End(ctx, []byte("bye")))
	require.NoError(t, r.End(ctx, nil))
	require.Panics(t, func() { _ = r.End(ctx, []byte("not empty")) })
}

func TestResponseWriteAfterEndPanics(t *testing.T) {
	r := New(200)
	r.Stream()
	ctx := context.Background()
	go func() {
		for req := range r.Writes() {
			Resolve(req, nil)
			if req.End {
				return
			}
		}
	}()
	require.NoError(t, r.End(ctx, nil))
	require.Panics(t, func() { _ = r.Write(ctx, []byte("x")) })
}

func TestSetCookieQueuesEntry(t *testing.T) {
	r := New(200)
	r.SetCookie("a", "b", []cookie.Flag{cookie.Bare("HttpOnly")})
	require.Len(t, r.Cookies, 1)
	require.Equal(t, "a", r.Cookies[0].Name)
}
