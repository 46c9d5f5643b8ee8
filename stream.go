package srpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"
	"unicode/utf8"
)

// Mode selects how response frames are decoded.
type Mode int

const (
	ModeText Mode = iota
	ModeJSON
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeJSON:
		return "json"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type StreamState int

const (
	StreamOpen StreamState = iota
	StreamDraining
	StreamExhausted
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamDraining:
		return "draining"
	case StreamExhausted:
		return "exhausted"
	case StreamFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type continuationKind int

const (
	continueUnbounded continuationKind = iota
	continueFixed
	continueWhile
)

// Continuation decides how many response frames a Stream consumes. The
// zero value is Unbounded.
type Continuation struct {
	kind  continuationKind
	count int
	pred  func(Element) bool
}

// Unbounded continues until the peer closes the connection or, when a
// terminator is expected, the terminator arrives.
func Unbounded() Continuation {
	return Continuation{kind: continueUnbounded}
}

// FixedCount stops after n delivered elements.
func FixedCount(n int) Continuation {
	if n < 0 {
		n = 0
	}
	return Continuation{kind: continueFixed, count: n}
}

// While delivers elements until pred returns false for the element just
// delivered. While(nil) is Unbounded.
func While(pred func(Element) bool) Continuation {
	if pred == nil {
		return Unbounded()
	}
	return Continuation{kind: continueWhile, pred: pred}
}

func (c Continuation) String() string {
	switch c.kind {
	case continueFixed:
		return fmt.Sprintf("fixed(%d)", c.count)
	case continueWhile:
		return "while"
	default:
		return "unbounded"
	}
}

// ReceiveOptions configures one response stream.
type ReceiveOptions struct {
	// ExpectEmptyTerminator consumes an empty frame as end-of-response
	// instead of delivering it.
	ExpectEmptyTerminator bool
	Continuation          Continuation
	Mode                  Mode
	// LineTimeout bounds each frame read. Zero uses Config.ReadTimeout.
	LineTimeout time.Duration
	// ContinueOnTimeout keeps waiting after a LineTimeout expires instead
	// of returning ErrTimeout.
	ContinueOnTimeout bool
}

// Element is one decoded response frame. Raw is set in JSON mode.
type Element struct {
	Text string
	Raw  json.RawMessage
}

func (e Element) IsJSON() bool {
	return e.Raw != nil
}

// Decode unmarshals a JSON element into v.
func (e Element) Decode(v any) error {
	if e.Raw == nil {
		return fmt.Errorf("%w: element is not json: %q", ErrDecode, e.Text)
	}
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

func decodeElement(text string, mode Mode) (Element, error) {
	if !utf8.ValidString(text) {
		return Element{}, fmt.Errorf("%w: frame is not valid utf-8", ErrDecode)
	}
	if mode != ModeJSON {
		return Element{Text: text}, nil
	}
	if !json.Valid([]byte(text)) {
		var probe any
		err := json.Unmarshal([]byte(text), &probe)
		return Element{}, fmt.Errorf("%w: %w (frame %q)", ErrDecode, err, truncate(text, 64))
	}
	return Element{Text: text, Raw: json.RawMessage(text)}, nil
}

// Stream is a pull-based, one-shot cursor over the frames of one exchange.
// It owns the connection's exchange slot until it is exhausted, fails, or
// is closed. A stream abandoned without Close keeps the connection busy.
type Stream struct {
	conn      *Conn
	opts      ReceiveOptions
	remaining int

	mu       sync.Mutex
	state    StreamState
	err      error
	closed   bool
	released bool
}

// Receive opens a response stream. Only one exchange may be active per
// connection.
func (c *Conn) Receive(opts ReceiveOptions) (*Stream, error) {
	if err := c.beginExchange("receive"); err != nil {
		return nil, err
	}
	return newStream(c, opts), nil
}

// newStream expects the caller to hold the exchange slot.
func newStream(c *Conn, opts ReceiveOptions) *Stream {
	s := &Stream{
		conn:      c,
		opts:      opts,
		remaining: opts.Continuation.count,
		state:     StreamOpen,
	}
	if opts.Continuation.kind == continueFixed && s.remaining == 0 {
		s.finish(StreamExhausted, nil)
	}
	return s
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next returns the next element. It returns io.EOF once the stream is
// exhausted. ErrDecode and ErrTimeout leave the stream resumable;
// transport failures and connection closure fail it for good.
func (s *Stream) Next(ctx context.Context) (Element, error) {
	if !s.mu.TryLock() {
		return Element{}, fmt.Errorf("%w: concurrent stream read", ErrProtocolMisuse)
	}
	defer s.mu.Unlock()

	if s.closed {
		return Element{}, ErrStreamClosed
	}
	switch s.state {
	case StreamExhausted:
		return Element{}, io.EOF
	case StreamFailed:
		return Element{}, s.err
	}

	timeout := s.opts.LineTimeout
	if timeout <= 0 {
		timeout = s.conn.cfg.ReadTimeout
	}
	for {
		text, err := s.conn.readFrame(ctx, timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) && s.opts.ContinueOnTimeout && ctx.Err() == nil {
				continue
			}
			return Element{}, s.readFailed(err)
		}
		if s.state == StreamOpen {
			s.state = StreamDraining
		}
		if text == "" && s.opts.ExpectEmptyTerminator {
			s.finish(StreamExhausted, nil)
			return Element{}, io.EOF
		}
		elem, err := decodeElement(text, s.opts.Mode)
		if err != nil {
			return Element{}, err
		}
		if !s.proceed(elem) {
			s.finish(StreamExhausted, nil)
		}
		return elem, nil
	}
}

// All yields elements until the stream is exhausted. Iteration stops after
// the first error is yielded; Next may still be used to resume after a
// decode error or timeout.
func (s *Stream) All(ctx context.Context) iter.Seq2[Element, error] {
	return func(yield func(Element, error) bool) {
		for {
			elem, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(elem, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains the stream and returns every element delivered before
// exhaustion or the first error.
func (s *Stream) Collect(ctx context.Context) ([]Element, error) {
	var out []Element
	for elem, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, elem)
	}
	return out, nil
}

// Close abandons the stream and releases the connection's exchange slot.
// Frames the peer already sent for this exchange stay unread; the caller
// is responsible for the connection position afterwards.
func (s *Stream) Close() error {
	if !s.mu.TryLock() {
		return fmt.Errorf("%w: close during stream read", ErrProtocolMisuse)
	}
	defer s.mu.Unlock()
	if !s.closed && !s.released {
		if n := s.conn.unread(); n > 0 {
			s.conn.logger.Debug().
				Int("unread_bytes", n).
				Str("state", s.state.String()).
				Msg("stream closed with buffered response data")
		}
	}
	s.closed = true
	s.release()
	return nil
}

func (s *Stream) readFailed(err error) error {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrProtocolMisuse),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, errPeerClosed) && s.opts.Continuation.kind == continueUnbounded:
		s.finish(StreamExhausted, nil)
		return io.EOF
	}
	s.finish(StreamFailed, err)
	return err
}

func (s *Stream) proceed(elem Element) bool {
	switch s.opts.Continuation.kind {
	case continueFixed:
		s.remaining--
		return s.remaining > 0
	case continueWhile:
		return s.opts.Continuation.pred(elem)
	default:
		return true
	}
}

func (s *Stream) finish(state StreamState, err error) {
	s.state = state
	s.err = err
	s.release()
}

func (s *Stream) release() {
	if s.released {
		return
	}
	s.released = true
	s.conn.endExchange()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
