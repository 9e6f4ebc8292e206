package wsgateway

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/internal/clock"
	"github.com/wslaghekke/aerys/options"
	"github.com/wslaghekke/aerys/stream"
)

// OnOpen, OnData, OnClose and OnError are the per-client application
// callbacks spec.md §4.4 describes as "single-threaded, serialized per
// connection": Gateway never calls two of a given connection's callbacks
// concurrently, mirroring the teacher's one-goroutine-per-connection
// dispatch discipline (driver/http1.Conn.Serve) rather than the source's
// single process-wide event loop (spec.md §9's resolved concurrency
// model).
type (
	OnOpen  func(clientID string, data HandshakeData)
	OnData  func(clientID string, msg *stream.Message, binary bool)
	OnClose func(clientID string, code int, reason string)
	OnError func(clientID string, err error)
)

// Gateway owns every live WebSocket connection accepted via Upgrade,
// routing outbound send/broadcast/close calls to each connection's own
// write side (spec.md §4.4 "gateway exposes send/broadcast/close").
// Grounded on the teacher's Server/Client split (types_server.go), here
// collapsed to a single registry since the WebSocket gateway has no
// separate listener of its own.
type Gateway struct {
	opts   *options.Options
	ticker *clock.Ticker

	onOpen  OnOpen
	onData  OnData
	onClose OnClose
	onError OnError

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// Callbacks bundles the four application hooks Gateway dispatches to
// (spec.md §4.4). Any left nil is simply skipped.
type Callbacks struct {
	OnOpen  OnOpen
	OnData  OnData
	OnClose OnClose
	OnError OnError
}

// New creates a Gateway bound to opts (MaxFrameSize, MaxMsgSize,
// HeartbeatPeriod, ClosePeriod) and ticker (idle-deadline bookkeeping).
func New(opts *options.Options, ticker *clock.Ticker, cb Callbacks) *Gateway {
	return &Gateway{
		opts:    opts,
		ticker:  ticker,
		onOpen:  cb.OnOpen,
		onData:  cb.OnData,
		onClose: cb.OnClose,
		onError: cb.OnError,
		conns:   make(map[string]*wsConn),
	}
}

// adopt takes ownership of a hijacked connection and starts its frame
// read loop in its own goroutine, one per connection, matching the
// teacher's driver style rather than the source's single event loop.
func (g *Gateway) adopt(netConn net.Conn, br *bufio.Reader, data HandshakeData) {
	clientID := uuid.NewString()
	c := newWSConn(g, clientID, netConn, br, data)

	g.mu.Lock()
	g.conns[clientID] = c
	g.mu.Unlock()

	go c.run()
}

func (g *Gateway) forget(clientID string) {
	g.mu.Lock()
	delete(g.conns, clientID)
	g.mu.Unlock()
}

func (g *Gateway) lookup(clientID string) (*wsConn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[clientID]
	return c, ok
}

// ConnectionInfo is one live WebSocket connection's introspection record
// (the connection-registry supplement alongside the HTTP registry).
type ConnectionInfo struct {
	ClientID    string
	OpenedAt    int64
	Subprotocol string
}

// Connections returns a snapshot of every live WebSocket connection's
// introspection record.
func (g *Gateway) Connections() []ConnectionInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(g.conns))
	for id, c := range g.conns {
		out = append(out, ConnectionInfo{ClientID: id, OpenedAt: c.openedAt, Subprotocol: c.data.Subprotocol})
	}
	return out
}

// Send queues payload for delivery to clientID as a single unfragmented
// frame (spec.md §4.4 "send(clientId, payload, binary=false)").
func (g *Gateway) Send(clientID string, payload []byte, binary bool) error {
	c, ok := g.lookup(clientID)
	if !ok {
		return errs.NewClientException("ws-send", nil)
	}
	return c.send(payload, binary)
}

// Broadcast delivers payload to every connected client except those in
// exceptIDs, sharing a single built frame buffer across recipients
// (spec.md §4.4 "multi-recipient sends share a single frame buffer").
// Per-connection backpressure is still respected: a slow recipient
// blocks only its own send, never the others (spec.md §5 "cross-client
// fan-out... respecting per-client backpressure").
func (g *Gateway) Broadcast(payload []byte, exceptIDs []string, binary bool) {
	except := make(map[string]struct{}, len(exceptIDs))
	for _, id := range exceptIDs {
		except[id] = struct{}{}
	}

	opcode := byte(opText)
	if binary {
		opcode = opBinary
	}
	frameBytes := buildFrame(opcode, payload, true)

	g.mu.RLock()
	recipients := make([]*wsConn, 0, len(g.conns))
	for id, c := range g.conns {
		if _, skip := except[id]; skip {
			continue
		}
		recipients = append(recipients, c)
	}
	g.mu.RUnlock()

	for _, c := range recipients {
		c.sendRaw(frameBytes)
	}
}

// Close sends a close frame to clientID with code/reason and tears down
// its connection (spec.md §4.4 "close(clientId, code, reason)").
func (g *Gateway) Close(clientID string, code int, reason string) error {
	c, ok := g.lookup(clientID)
	if !ok {
		return errs.NewClientException("ws-close", nil)
	}
	return c.initiateClose(code, reason)
}
