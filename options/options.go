// Package options holds the process-wide, immutable-after-boot server
// configuration (§3 of the spec) plus the one mutable sub-record,
// _dynamicCache, that memoizes the deflate content-type decision.
//
// Options is an explicit, named-field struct rather than a dynamic
// property bag: dynamic getOption(string) lookups from the source become
// the Get method below, a switch over known keys.
package options

import (
	"regexp"
	"time"

	"github.com/wslaghekke/aerys/internal/lru"
)

// MaxDeflateEnableCacheSize bounds the dynamic cache's deflate decision LRU.
const MaxDeflateEnableCacheSize = 1024

// SoftStreamCapDefault is the default backpressure threshold for body-emit
// queues when Options.SoftStreamCap is left at zero.
const SoftStreamCapDefault = 65536

// Options is immutable once passed to a Server, except for DynamicCache,
// which is mutated only from within the single event-loop goroutine that
// owns it and therefore needs no locking (§5).
type Options struct {
	MaxBodySize          int64
	MaxHeaderSize         int64
	MaxInputVars          int
	MaxFieldLen           int
	MaxConnections        int
	ConnectionsPerIP      int
	ConnectionTimeout     time.Duration
	OutputBufferSize      int
	SoftStreamCap         int
	DeflateEnable         bool
	DeflateMinimumLength  int
	DeflateContentTypes   *regexp.Regexp
	DeflateBufferSize     int
	ChunkSize             int
	SendServerToken       bool
	SocketBacklogSize     int
	NormalizeMethodCase   bool
	AllowedMethods        []string
	DefaultHost           string
	ShutdownTimeout       time.Duration

	// WebSocket gateway tuning (spec.md §4.4). Default() sets nonzero
	// values; a zero value disables the corresponding size limit or
	// timer (no close-1009 enforcement for a zero size limit).
	MaxFrameSize     int64
	MaxMsgSize       int64
	HeartbeatPeriod  time.Duration
	ClosePeriod      time.Duration

	DynamicCache *DynamicCache
}

// Default returns an Options populated with the same order-of-magnitude
// defaults the teacher library uses for its own analogous constants
// (DefaultMaxHeaderBytes, etc.), adapted to Aerys's wider key set.
func Default() *Options {
	return &Options{
		MaxBodySize:          10 << 20,
		MaxHeaderSize:        1 << 20,
		MaxInputVars:         1000,
		MaxFieldLen:          1 << 20,
		MaxConnections:       10000,
		ConnectionsPerIP:     1000,
		ConnectionTimeout:    60 * time.Second,
		OutputBufferSize:     8192,
		SoftStreamCap:        SoftStreamCapDefault,
		DeflateEnable:        true,
		DeflateMinimumLength: 860,
		DeflateContentTypes:  regexp.MustCompile(`(?i)^(text/|application/(json|xml|javascript)\b)`),
		DeflateBufferSize:    8192,
		ChunkSize:            8192,
		SendServerToken:      false,
		SocketBacklogSize:    128,
		NormalizeMethodCase:  true,
		AllowedMethods:       []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		DefaultHost:          "",
		ShutdownTimeout:      3 * time.Second,
		MaxFrameSize:         1 << 20,
		MaxMsgSize:           8 << 20,
		HeartbeatPeriod:      30 * time.Second,
		ClosePeriod:          10 * time.Second,
		DynamicCache:         NewDynamicCache(),
	}
}

// Get implements the dynamic getOption(name) lookup from the source as an
// explicit switch over known keys; unknown keys return ok=false instead of
// a dynamic-language "undefined".
func (o *Options) Get(name string) (value any, ok bool) {
	switch name {
	case "maxBodySize":
		return o.MaxBodySize, true
	case "maxHeaderSize":
		return o.MaxHeaderSize, true
	case "maxInputVars":
		return o.MaxInputVars, true
	case "maxFieldLen":
		return o.MaxFieldLen, true
	case "maxConnections":
		return o.MaxConnections, true
	case "connectionsPerIP":
		return o.ConnectionsPerIP, true
	case "connectionTimeout":
		return o.ConnectionTimeout, true
	case "outputBufferSize":
		return o.OutputBufferSize, true
	case "softStreamCap":
		return o.SoftStreamCap, true
	case "deflateEnable":
		return o.DeflateEnable, true
	case "deflateMinimumLength":
		return o.DeflateMinimumLength, true
	case "deflateBufferSize":
		return o.DeflateBufferSize, true
	case "chunkSize":
		return o.ChunkSize, true
	case "sendServerToken":
		return o.SendServerToken, true
	case "socketBacklogSize":
		return o.SocketBacklogSize, true
	case "normalizeMethodCase":
		return o.NormalizeMethodCase, true
	case "allowedMethods":
		return o.AllowedMethods, true
	case "defaultHost":
		return o.DefaultHost, true
	case "shutdownTimeout":
		return o.ShutdownTimeout, true
	default:
		return nil, false
	}
}

// MethodAllowed reports whether method is in AllowedMethods (case-sensitive;
// method case normalization, if enabled, happens before this check in the
// HTTP/1 driver's AWAIT_REQUEST_LINE state).
func (o *Options) MethodAllowed(method string) bool {
	for _, m := range o.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// DynamicCache is the _dynamicCache sub-record: per-process memoization
// that is safe to mutate without locks because only the event-loop
// goroutine ever touches it (§5).
type DynamicCache struct {
	deflateDecision *lru.LRU[string, bool]
}

func NewDynamicCache() *DynamicCache {
	return &DynamicCache{
		deflateDecision: lru.New[string, bool](MaxDeflateEnableCacheSize),
	}
}

// DeflateDecision returns a memoized "does this content-type match
// DeflateContentTypes" decision, computing and caching it on miss.
// Evicts the oldest entry before inserting when the cache is already at
// MaxDeflateEnableCacheSize (spec.md §9, resolved "evict-before-insert").
func (o *Options) DeflateDecision(contentType string) bool {
	if v, ok := o.DynamicCache.deflateDecision.Get(contentType); ok {
		return v
	}
	decision := o.DeflateContentTypes != nil && o.DeflateContentTypes.MatchString(contentType)
	o.DynamicCache.deflateDecision.Put(contentType, decision)
	return decision
}
