package srpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/srpc/internal/observability"
)

// Handle is an accepted method call whose response the caller pulls one
// frame at a time. It holds the connection's exchange slot until Close.
type Handle struct {
	conn   *Conn
	method string
	stream *Stream
	start  time.Time

	mu     sync.Mutex
	closed bool
	failed error
}

// Send writes the method line and waits for the server to accept it. The
// response stream ends at the empty terminator frame or when the peer
// closes. Decode waits past Config.ReadTimeout; bound it with ctx.
func (c *Conn) Send(ctx context.Context, method string) (*Handle, error) {
	start := time.Now()
	if err := validateMethod(method); err != nil {
		return nil, err
	}
	if err := c.beginExchange(method); err != nil {
		return nil, err
	}
	if err := c.startCall(ctx, method); err != nil {
		c.endExchange()
		observability.ObserveCall(c.logger, method, outcomeOf(err), start, err)
		return nil, err
	}
	opts := replyOptions()
	opts.ContinueOnTimeout = true
	return &Handle{
		conn:   c,
		method: method,
		stream: newStream(c, opts),
		start:  start,
	}, nil
}

func (h *Handle) Method() string {
	return h.method
}

// Encode writes v as one JSON frame within the exchange.
func (h *Handle) Encode(ctx context.Context, v any) error {
	if err := h.usable(); err != nil {
		return err
	}
	if state := h.stream.State(); state == StreamExhausted || state == StreamFailed {
		return fmt.Errorf("%w: %s: response stream %s", ErrProtocolMisuse, h.method, state)
	}
	err := h.conn.writeJSON(ctx, v)
	h.record(err)
	return err
}

// DecodeNext returns the next raw JSON frame, or io.EOF once the response
// is complete. A frame that is not valid JSON fails with ErrDecode and is
// not skipped.
func (h *Handle) DecodeNext(ctx context.Context) (json.RawMessage, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	elem, err := h.stream.Next(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			h.record(err)
		}
		return nil, err
	}
	return elem.Raw, nil
}

// Decode unmarshals the next frame into v.
func (h *Handle) Decode(ctx context.Context, v any) error {
	raw, err := h.DecodeNext(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrDecode, h.method, err)
		h.record(err)
		return err
	}
	return nil
}

// Close releases the exchange. The connection stays open; unread frames
// of this response remain on it.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if err := h.stream.Close(); err != nil {
		return err
	}
	h.closed = true
	failed := h.failed
	observability.ObserveCall(h.conn.logger, h.method, outcomeOf(failed), h.start, failed)
	return nil
}

func (h *Handle) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: %s: handle closed", ErrProtocolMisuse, h.method)
	}
	return nil
}

// record keeps the first failure for the call outcome reported on Close.
func (h *Handle) record(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	if h.failed == nil {
		h.failed = err
	}
	h.mu.Unlock()
}
