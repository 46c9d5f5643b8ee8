package frame

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const Delimiter byte = '\n'

var (
	ErrFrameTooLarge   = errors.New("frame: line too large")
	ErrEmbeddedNewline = errors.New("frame: embedded newline")
	ErrTruncated       = errors.New("frame: truncated line")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// WithDefaults fills unset limits.
func (l Limits) WithDefaults() Limits {
	if l.MaxFrameBytes <= 0 {
		l.MaxFrameBytes = DefaultLimits().MaxFrameBytes
	}
	return l
}

// Reader splits a byte stream into newline-terminated frames.
//
// A read interrupted by a non-EOF error (typically a deadline) keeps the
// bytes seen so far; the next ReadFrame continues the same frame.
type Reader struct {
	br      *bufio.Reader
	limits  Limits
	partial []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br, limits: limits.WithDefaults()}
	}
	return &Reader{br: bufio.NewReader(r), limits: limits.WithDefaults()}
}

// ReadFrame returns the next frame with its delimiter stripped. An empty
// string is a valid frame. io.EOF is returned only at a frame boundary.
func (r *Reader) ReadFrame() (string, error) {
	for {
		chunk, err := r.br.ReadSlice(Delimiter)
		if len(r.partial)+len(chunk) > r.limits.MaxFrameBytes+1 {
			r.partial = nil
			return "", fmt.Errorf("%w: limit=%d", ErrFrameTooLarge, r.limits.MaxFrameBytes)
		}
		switch {
		case err == nil:
			line := chunk[:len(chunk)-1]
			if len(r.partial) > 0 {
				line = append(r.partial, line...)
				r.partial = nil
			}
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			r.partial = append(r.partial, chunk...)
		case errors.Is(err, io.EOF):
			if len(r.partial) == 0 && len(chunk) == 0 {
				return "", io.EOF
			}
			n := len(r.partial) + len(chunk)
			r.partial = nil
			return "", fmt.Errorf("%w: %d bytes before eof", ErrTruncated, n)
		default:
			r.partial = append(r.partial, chunk...)
			return "", err
		}
	}
}

// Pending reports whether a partially read frame is held.
func (r *Reader) Pending() bool {
	return len(r.partial) > 0
}

// Buffered returns the number of bytes read from the source but not yet
// returned as frames.
func (r *Reader) Buffered() int {
	return r.br.Buffered() + len(r.partial)
}

// WriteFrame writes text followed by exactly one delimiter in a single
// Write call.
func WriteFrame(w io.Writer, text string, limits Limits) error {
	limits = limits.WithDefaults()
	if strings.IndexByte(text, Delimiter) >= 0 {
		return ErrEmbeddedNewline
	}
	if len(text) > limits.MaxFrameBytes {
		return fmt.Errorf("%w: len=%d limit=%d", ErrFrameTooLarge, len(text), limits.MaxFrameBytes)
	}
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, Delimiter)
	_, err := w.Write(buf)
	return err
}

// EncodeJSON renders v as a compact single-line JSON document.
func EncodeJSON(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
