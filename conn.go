package srpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/srpc/internal/logging"
	"github.com/danmuck/srpc/internal/observability"
	"github.com/danmuck/srpc/internal/protocol/frame"
	"github.com/danmuck/srpc/internal/protocol/session"
	"github.com/rs/zerolog"
)

var aLongTimeAgo = time.Unix(1, 0)

// Conn is one negotiated SRPC connection. Exchanges on a Conn are strictly
// serial: while a Stream or Handle is active, starting another exchange or
// using the raw frame methods fails with ErrProtocolMisuse.
type Conn struct {
	cfg    Config
	nc     net.Conn
	reader *frame.Reader
	limits frame.Limits
	logger zerolog.Logger

	reading atomic.Bool
	writing atomic.Bool

	mu       sync.Mutex
	closed   bool
	cause    error
	exchange string
	tracked  bool
}

func newConn(nc net.Conn, cfg Config) *Conn {
	limits := cfg.limits()
	return &Conn{
		cfg:    cfg,
		nc:     nc,
		reader: frame.NewReader(nc, limits),
		limits: limits,
		logger: logging.Component("srpc.conn").With().
			Str("addr", cfg.Address()).
			Str("endpoint", cfg.Endpoint).
			Logger(),
	}
}

func (c *Conn) Host() string     { return c.cfg.Host }
func (c *Conn) Port() int        { return c.cfg.Port }
func (c *Conn) Endpoint() string { return c.cfg.Endpoint }

// Config returns the effective configuration the connection was opened
// with.
func (c *Conn) Config() Config { return c.cfg }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// TLSState returns the negotiated TLS parameters.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// Close shuts the connection down. Pending and later reads fail with
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked := c.tracked
	c.mu.Unlock()
	if tracked {
		observability.RecordDisconnect()
	}
	c.logger.Debug().Msg("connection closed")
	return c.nc.Close()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the failure that shut the connection down, or nil while it
// is open or after an explicit Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// WriteFrame writes one text frame outside of any exchange.
func (c *Conn) WriteFrame(ctx context.Context, text string) error {
	if err := c.idle(); err != nil {
		return err
	}
	return c.writeFrame(ctx, text)
}

// WriteJSON writes v as one compact JSON frame outside of any exchange.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	if err := c.idle(); err != nil {
		return err
	}
	return c.writeJSON(ctx, v)
}

// ReadFrame reads one frame outside of any exchange, bounded by the
// configured ReadTimeout.
func (c *Conn) ReadFrame(ctx context.Context) (string, error) {
	if err := c.idle(); err != nil {
		return "", err
	}
	return c.readFrame(ctx, c.cfg.ReadTimeout)
}

func (c *Conn) negotiateEndpoint(ctx context.Context) error {
	err := c.write(ctx, func(w io.Writer) error {
		return session.WriteEndpoint(w, c.cfg.Endpoint, c.limits)
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Msg("endpoint negotiated")
	return nil
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	text, err := frame.EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("%w: encode json: %w", ErrInvalidRequest, err)
	}
	return c.writeFrame(ctx, text)
}

func (c *Conn) writeFrame(ctx context.Context, text string) error {
	err := c.write(ctx, func(w io.Writer) error {
		return frame.WriteFrame(w, text, c.limits)
	})
	if err != nil {
		return err
	}
	c.logger.Trace().Str("frame", text).Msg("frame sent")
	return nil
}

func (c *Conn) write(ctx context.Context, fn func(io.Writer) error) error {
	if !c.writing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: concurrent write", ErrProtocolMisuse)
	}
	defer c.writing.Store(false)
	if err := c.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = c.nc.SetWriteDeadline(deadlineFor(ctx, c.cfg.WriteTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetWriteDeadline(aLongTimeAgo)
	})
	err := fn(c.nc)
	interrupted := !stop()
	if err == nil {
		observability.RecordFrame(observability.DirectionWrite)
		return nil
	}

	switch {
	case errors.Is(err, frame.ErrEmbeddedNewline),
		errors.Is(err, frame.ErrFrameTooLarge),
		errors.Is(err, session.ErrInvalidEndpoint):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case c.Closed():
		return c.closedError()
	case errors.Is(err, net.ErrClosed):
		c.shutdown(err)
		return c.closedError()
	}
	// A partially written frame leaves the peer mid-line; nothing after it
	// can be trusted.
	c.shutdown(err)
	if ctxErr := ctx.Err(); ctxErr != nil && (interrupted || errors.Is(err, os.ErrDeadlineExceeded)) {
		return fmt.Errorf("%w: write interrupted: %w", ErrTransport, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w: write: %w", ErrTransport, ErrTimeout, err)
	}
	return fmt.Errorf("%w: write: %w", ErrTransport, err)
}

func (c *Conn) readFrame(ctx context.Context, timeout time.Duration) (string, error) {
	if !c.reading.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%w: concurrent read", ErrProtocolMisuse)
	}
	defer c.reading.Store(false)
	if err := c.usable(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}

	_ = c.nc.SetReadDeadline(deadlineFor(ctx, timeout))
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(aLongTimeAgo)
	})
	text, err := c.reader.ReadFrame()
	interrupted := !stop()
	if err == nil {
		observability.RecordFrame(observability.DirectionRead)
		c.logger.Trace().Str("frame", text).Msg("frame received")
		return text, nil
	}

	switch {
	case c.Closed():
		return "", c.closedError()
	case ctx.Err() != nil && (interrupted || errors.Is(err, os.ErrDeadlineExceeded)):
		return "", contextError(ctx.Err())
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "", fmt.Errorf("%w: no frame within %s", ErrTimeout, timeout)
	case errors.Is(err, io.EOF):
		c.shutdown(errPeerClosed)
		return "", errPeerClosed
	case errors.Is(err, net.ErrClosed):
		c.shutdown(err)
		return "", c.closedError()
	default:
		c.shutdown(err)
		return "", fmt.Errorf("%w: read: %w", ErrTransport, err)
	}
}

// shutdown closes the socket after an unrecoverable failure.
// unread counts response bytes received but not yet returned as frames.
func (c *Conn) unread() int {
	return c.reader.Buffered()
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	tracked := c.tracked
	c.mu.Unlock()
	if tracked {
		observability.RecordDisconnect()
	}
	c.logger.Debug().Err(cause).Msg("connection shut down")
	_ = c.nc.Close()
}

func (c *Conn) usable() error {
	if c.Closed() {
		return c.closedError()
	}
	return nil
}

func (c *Conn) closedError() error {
	cause := c.Err()
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: after %v", ErrConnectionClosed, cause)
}

func (c *Conn) idle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchange != "" {
		return fmt.Errorf("%w: exchange %q still active", ErrProtocolMisuse, c.exchange)
	}
	return nil
}

func (c *Conn) beginExchange(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.exchange != "" {
		return fmt.Errorf("%w: exchange %q still active", ErrProtocolMisuse, c.exchange)
	}
	c.exchange = name
	return nil
}

func (c *Conn) endExchange() {
	c.mu.Lock()
	c.exchange = ""
	c.mu.Unlock()
}

// contextError reports an expired context deadline as ErrTimeout.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
