package http1

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/wslaghekke/aerys/errs"
	"github.com/wslaghekke/aerys/header"
	"github.com/wslaghekke/aerys/stream"
)

// readFixedBody copies exactly n bytes from r into emitter, chunking the
// copy so each Emit call can apply backpressure (spec.md §4.1 state 4,
// "fixed length" case).
func readFixedBody(ctx context.Context, r *bufio.Reader, n int64, emitter *stream.BodyEmitter, bufSize int) error {
	if bufSize <= 0 {
		bufSize = 8192
	}
	buf := make([]byte, bufSize)
	for n > 0 {
		want := int64(len(buf))
		if want > n {
			want = n
		}
		read, err := io.ReadFull(r, buf[:want])
		if read > 0 {
			if emitErr := emitter.Emit(ctx, buf[:read]); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			return errs.NewClientException("read fixed body", err)
		}
		n -= int64(read)
	}
	return nil
}

// readChunkedBody decodes "hex-size [;ext] CRLF data CRLF ... 0 CRLF
// [trailer] CRLF" into emitter, merging trailer fields into trailerHeaders
// (spec.md §4.1 state 4, "chunked" case).
func readChunkedBody(ctx context.Context, r *bufio.Reader, emitter *stream.BodyEmitter, trailerHeaders header.Map) error {
	for {
		size, err := readChunkSizeLine(r)
		if err != nil {
			return err
		}
		if size == 0 {
			return readTrailer(r, trailerHeaders)
		}
		remaining := size
		buf := make([]byte, 8192)
		for remaining > 0 {
			want := int64(len(buf))
			if want > remaining {
				want = remaining
			}
			read, rerr := io.ReadFull(r, buf[:want])
			if read > 0 {
				if emitErr := emitter.Emit(ctx, buf[:read]); emitErr != nil {
					return emitErr
				}
			}
			if rerr != nil {
				return errs.NewClientException("read chunk data", rerr)
			}
			remaining -= int64(read)
		}
		if err := consumeCRLF(r); err != nil {
			return err
		}
	}
}

func readChunkSizeLine(r *bufio.Reader) (int64, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			return 0, errs.NewClientException("read chunk size", io.ErrUnexpectedEOF)
		}
		return 0, errs.NewProtocolError(400, "malformed chunk size line")
	}
	trimmed := strings.TrimRight(string(line), "\r\n")
	if semi := strings.IndexByte(trimmed, ';'); semi >= 0 {
		trimmed = trimmed[:semi] // strip chunk-extensions, never interpreted
	}
	n, err := strconv.ParseInt(strings.TrimSpace(trimmed), 16, 64)
	if err != nil || n < 0 {
		return 0, errs.NewProtocolError(400, "invalid chunk size")
	}
	return n, nil
}

func consumeCRLF(r *bufio.Reader) error {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return errs.NewClientException("read chunk terminator", err)
	}
	if strings.TrimRight(string(line), "\r\n") != "" {
		return errs.NewProtocolError(400, "malformed chunk terminator")
	}
	return nil
}

// readTrailer reads the optional trailer field block terminated by a
// blank line, merging fields into dst.
func readTrailer(r *bufio.Reader, dst header.Map) error {
	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			return errs.NewClientException("read trailer", err)
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			return nil
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			return errs.NewProtocolError(400, "malformed trailer line")
		}
		dst.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}
