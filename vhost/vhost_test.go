package vhost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchPrefersExactOverWildcardOverDefault(t *testing.T) {
	c := NewContainer()
	c.Register(&Vhost{Name: ""})
	c.Register(&Vhost{Name: "*.example.com"})
	c.Register(&Vhost{Name: "api.example.com"})

	v, ok := c.Match("api.example.com:8443")
	require.True(t, ok)
	require.Equal(t, "api.example.com", v.Name)

	v, ok = c.Match("widget.example.com")
	require.True(t, ok)
	require.Equal(t, "*.example.com", v.Name)

	v, ok = c.Match("unrelated.test")
	require.True(t, ok)
	require.Equal(t, "", v.Name)
}

func TestMatchWithNoDefaultReturnsFalse(t *testing.T) {
	c := NewContainer()
	c.Register(&Vhost{Name: "example.com"})

	_, ok := c.Match("other.com")
	require.False(t, ok)
}

func TestMatchWildcardRequiresLabelBoundary(t *testing.T) {
	c := NewContainer()
	c.Register(&Vhost{Name: "*.example.com"})

	_, ok := c.Match("evilexample.com")
	require.False(t, ok)
}

func TestRemoveUnregistersVhost(t *testing.T) {
	c := NewContainer()
	c.Register(&Vhost{Name: "example.com"})
	c.Remove("example.com")

	_, ok := c.Match("example.com")
	require.False(t, ok)
}
