// Package vhost implements VhostContainer, spec.md §2's "demultiplexes by
// host (SNI + Host header)" component, and the glossary's "selection by
// SNI and then by Host header among those bound to the accepted socket"
// (§ Vhost).
//
// Grounded on the teacher's mux.ServeMux: same map-of-registrations plus
// RWMutex shape (mux/types.go's "hosts bool" host-specific-pattern
// precedence becomes Container's exact-then-wildcard-then-default
// resolution order here), generalized from path patterns to hostnames and
// from net/http's Handler to Aerys's request.Responder/Middleware pair.
package vhost

import (
	"crypto/tls"
	"strings"
	"sync"

	"github.com/wslaghekke/aerys/request"
)

// Vhost binds a hostname (exact, or a single leading "*." wildcard label)
// to the responder/middleware chain and, for TLS listeners, the
// certificate Aerys should present for that name.
type Vhost struct {
	Name        string
	TLSCert     *tls.Certificate
	Responder   request.Responder
	Middlewares []request.Middleware
}

// Container is the VhostContainer of spec.md §2: a registry resolved once
// per accepted connection (SNI, via ResolveSNI) and once per request
// (Host header, via Match). Safe for concurrent registration and lookup.
type Container struct {
	mu       sync.RWMutex
	byName   map[string]*Vhost
	wildcard map[string]*Vhost // keyed by the suffix after "*."
	fallback *Vhost
}

// NewContainer returns an empty Container.
func NewContainer() *Container {
	return &Container{
		byName:   make(map[string]*Vhost),
		wildcard: make(map[string]*Vhost),
	}
}

// Register adds or replaces v under its Name. A Name of "" (or "*")
// registers the default vhost, used when no other entry matches. A Name
// of the form "*.example.com" registers a single-label wildcard.
func (c *Container) Register(v *Vhost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := strings.ToLower(v.Name)
	switch {
	case name == "" || name == "*":
		c.fallback = v
	case strings.HasPrefix(name, "*."):
		c.wildcard[name[2:]] = v
	default:
		c.byName[name] = v
	}
}

// Remove unregisters the vhost previously registered under name.
func (c *Container) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.ToLower(name)
	switch {
	case name == "" || name == "*":
		c.fallback = nil
	case strings.HasPrefix(name, "*."):
		delete(c.wildcard, name[2:])
	default:
		delete(c.byName, name)
	}
}

// Match resolves a request's Host header (or :authority, for HTTP/2) to a
// Vhost: exact match first, then the longest matching wildcard suffix,
// then the registered default, in that precedence order (spec.md glossary
// "Vhost"). The port, if present, is stripped before matching.
func (c *Container) Match(hostHeader string) (*Vhost, bool) {
	host := strings.ToLower(hostHeader)
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.byName[host]; ok {
		return v, true
	}
	var best *Vhost
	bestLen := -1
	for suffix, v := range c.wildcard {
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) && host[len(host)-len(suffix)-1] == '.' && len(suffix) > bestLen {
			best, bestLen = v, len(suffix)
		}
	}
	if best != nil {
		return best, true
	}
	if c.fallback != nil {
		return c.fallback, true
	}
	return nil, false
}

// ResolveSNI implements tls.Config.GetCertificate: it selects a vhost's
// certificate by the ClientHello's requested server name, falling back to
// the default vhost's certificate (or nil, letting crypto/tls use its own
// configured default) when there is no SNI match.
func (c *Container) ResolveSNI(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	v, ok := c.Match(hello.ServerName)
	if !ok || v.TLSCert == nil {
		return nil, nil
	}
	return v.TLSCert, nil
}
