package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildClientFrame constructs a masked client->server frame, the inverse
// of buildFrame (which only ever builds unmasked server->client frames).
func buildClientFrame(opcode byte, payload []byte, fin bool) []byte {
	unmasked := buildFrame(opcode, payload, fin)
	headerLen := len(unmasked) - len(payload)

	out := make([]byte, 0, len(unmasked)+4)
	out = append(out, unmasked[:headerLen]...)
	out[1] |= maskBit

	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= key[i%4]
	}
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}

func TestParseFrameRoundTrip(t *testing.T) {
	wire := buildClientFrame(opText, []byte("hello"), true)

	frm, n, err := parseFrame(wire, 0)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.True(t, frm.fin)
	require.Equal(t, byte(opText), frm.opcode)
	require.True(t, frm.masked)
	require.Equal(t, "hello", string(frm.payload))
}

func TestParseFrameShortReturnsErrShortFrame(t *testing.T) {
	wire := buildClientFrame(opText, []byte("hello"), true)
	_, _, err := parseFrame(wire[:3], 0)
	require.ErrorIs(t, err, errShortFrame)
}

func TestParseFrameRejectsOversizeControlFrame(t *testing.T) {
	payload := make([]byte, 200)
	wire := buildClientFrame(opPing, payload, true)
	_, _, err := parseFrame(wire, 0)
	require.Error(t, err)
	require.IsType(t, &protocolViolation{}, err)
}

func TestParseFrameEnforcesMaxFrameSize(t *testing.T) {
	wire := buildClientFrame(opBinary, make([]byte, 100), true)
	_, _, err := parseFrame(wire, 10)
	require.Error(t, err)
	require.IsType(t, &protocolViolation{}, err)
}

func TestBuildCloseFrameRoundTrip(t *testing.T) {
	wire := buildCloseFrame(1000, "bye")
	frm, n, err := parseFrame(wire, 0)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.Equal(t, byte(opClose), frm.opcode)
	code, reason := parseCloseFrame(frm.payload)
	require.Equal(t, 1000, code)
	require.Equal(t, "bye", reason)
}

func TestAllowedCloseCode(t *testing.T) {
	require.True(t, allowedCloseCode(1000))
	require.True(t, allowedCloseCode(3500))
	require.False(t, allowedCloseCode(1005))
	require.False(t, allowedCloseCode(5000))
}

func TestValidTextMessage(t *testing.T) {
	require.True(t, validTextMessage([]byte("hello")))
	require.False(t, validTextMessage([]byte{0xff, 0xfe}))
}
