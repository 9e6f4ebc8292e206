// Package errs defines the error taxonomy shared by every Aerys package:
// client faults, protocol faults, filter faults, and programmer/environment
// faults. Callers use errors.As to tell them apart at pipeline boundaries.
package errs

import "fmt"

// ClientException marks a peer-induced fault: disconnect, aborted stream,
// write to a dead socket. Never a programmer error; logged at info level.
type ClientException struct {
	Op  string
	Err error
}

func (e *ClientException) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("aerys: client gone during %s", e.Op)
	}
	return fmt.Sprintf("aerys: client gone during %s: %v", e.Op, e.Err)
}

func (e *ClientException) Unwrap() error { return e.Err }

func NewClientException(op string, err error) *ClientException {
	return &ClientException{Op: op, Err: err}
}

// ClientSizeException marks a body or query that exceeded a configured
// limit. Recoverable: a consumer may call upgradeBodySize and resume.
type ClientSizeException struct {
	Limit   int64
	Read    int64
	Kind    string // "body", "header", "query-vars", "field-len"
}

func (e *ClientSizeException) Error() string {
	return fmt.Sprintf("aerys: %s exceeded limit (%d read, limit %d)", e.Kind, e.Read, e.Limit)
}

func NewClientSizeException(kind string, read, limit int64) *ClientSizeException {
	return &ClientSizeException{Kind: kind, Read: read, Limit: limit}
}

// ProtocolError marks malformed bytes or an illegal state transition in a
// wire protocol (HTTP/1, HTTP/2, or WebSocket). Status carries the HTTP
// status code or WebSocket close code a driver should answer with, if any.
type ProtocolError struct {
	Status int
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("aerys: protocol error (%d): %s", e.Status, e.Msg)
}

func NewProtocolError(status int, msg string) *ProtocolError {
	return &ProtocolError{Status: status, Msg: msg}
}

// FilterException marks a middleware or codec filter that raised instead
// of producing a value. The pipeline substitutes a generic 500 if no bytes
// have flushed yet, or aborts the stream if they have.
type FilterException struct {
	FilterKey string
	Err       error
}

func (e *FilterException) Error() string {
	return fmt.Sprintf("aerys: filter %q failed: %v", e.FilterKey, e.Err)
}

func (e *FilterException) Unwrap() error { return e.Err }

func NewFilterException(key string, err error) *FilterException {
	return &FilterException{FilterKey: key, Err: err}
}

// InternalError marks a programmer or environmental fault (deflate init
// failure, invalid configuration, double-push of an already-ended response).
// Logged at error level; always answered with a 500.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return "aerys: internal error: " + e.Msg
	}
	return fmt.Sprintf("aerys: internal error: %s: %v", e.Msg, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func NewInternalError(msg string, err error) *InternalError {
	return &InternalError{Msg: msg, Err: err}
}

// Fatal marks an unrecoverable failure (e.g. acceptor failure on every bound
// port) that forces the server into STOPPING.
type Fatal struct {
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("aerys: fatal: %v", e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

func NewFatal(err error) *Fatal { return &Fatal{Err: err} }
