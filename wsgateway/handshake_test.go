package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wslaghekke/aerys/header"
)

// spec.md §8's testable property: for client key
// "dGhlIHNhbXBsZSBub25jZQ==" the computed accept header equals
// "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=".
func TestAcceptKeyFixture(t *testing.T) {
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestIsUpgradeRequest(t *testing.T) {
	h := header.New()
	h.Set("upgrade", "websocket")
	h.Set("connection", "keep-alive, Upgrade")
	h.Set("sec-websocket-version", "13")
	h.Set("sec-websocket-key", "dGhlIHNhbXBsZSBub25jZQ==")
	require.True(t, IsUpgradeRequest(h))

	h.Set("sec-websocket-version", "8")
	require.False(t, IsUpgradeRequest(h))
}

func TestSubprotocols(t *testing.T) {
	h := header.New()
	h.Set("sec-websocket-protocol", "chat, superchat")
	require.Equal(t, []string{"chat", "superchat"}, Subprotocols(h))
}
