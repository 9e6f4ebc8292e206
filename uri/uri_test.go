package uri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryParamsPreservesRepeatedKeys(t *testing.T) {
	params, err := QueryParams("x=1&x=2", 0)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"x", "1"}, {"x", "2"}}, params)
	require.Equal(t, []string{"1", "2"}, All(params, "x"))
}

func TestQueryParamsEnforcesMaxInputVars(t *testing.T) {
	_, err := QueryParams("a=1&b=2&c=3", 2)
	require.Error(t, err)
}

func TestParseOriginForm(t *testing.T) {
	u, err := Parse("/echo?x=1&x=2")
	require.NoError(t, err)
	require.Equal(t, "/echo", u.Path)
	require.Equal(t, "x=1&x=2", u.Query)
}
