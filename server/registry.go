package server

// ConnectionInfo is a read-only snapshot of one open Client (spec.md §4.5,
// the connection-registry supplement of SPEC_FULL.md §12), also reachable
// from a responder via InternalRequest.ConnectionInfo (spec.md §6
// getConnectionInfo()).
type ConnectionInfo struct {
	ClientID string
	Protocol string
	RemoteIP string
	OpenedAt int64
	Vhost    string
}

// Connections returns a snapshot of every currently open Client.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(s.clients))
	for _, cl := range s.clients {
		out = append(out, cl.info())
	}
	return out
}

// ConnectionsByVhost breaks the open-connection count down by matched
// vhost name; a Client that has not yet dispatched a request (or never
// matched one) counts under "".
func (s *Server) ConnectionsByVhost() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.clients))
	for _, cl := range s.clients {
		out[cl.vhostName()]++
	}
	return out
}
