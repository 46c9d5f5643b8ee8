package srpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/danmuck/srpc/internal/observability"
	"github.com/danmuck/srpc/internal/protocol/frame"
)

// Request is one method invocation. A nil Body sends no body frame.
//
// Replies bounds how many reply values are read. The zero value drains
// until the empty terminator or until the peer closes; FixedCount(1)
// returns as soon as one value arrives, for methods that answer with a
// single value and no terminator.
type Request struct {
	Method  string
	Body    any
	Replies Continuation
}

// Validate checks that Method is a non-empty name that fits on one line.
// Servers conventionally name methods Namespace.Method; that is not
// enforced here.
func (r Request) Validate() error {
	return validateMethod(r.Method)
}

func (r Request) hasBody() bool {
	switch body := r.Body.(type) {
	case nil:
		return false
	case json.RawMessage:
		return len(body) > 0
	}
	return true
}

func validateMethod(method string) error {
	if method == "" {
		return fmt.Errorf("%w: method required", ErrInvalidRequest)
	}
	if strings.IndexFunc(method, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: method %q contains whitespace", ErrInvalidRequest, method)
	}
	return nil
}

// Reply aggregates the JSON values of one drained response stream.
type Reply struct {
	Method string
	Values []json.RawMessage
}

func (r *Reply) Len() int {
	return len(r.Values)
}

// Decode unmarshals the reply into v. A single value decodes as itself;
// several values decode as a JSON array.
func (r *Reply) Decode(v any) error {
	var data []byte
	switch len(r.Values) {
	case 0:
		return fmt.Errorf("%w: %s", ErrEmptyReply, r.Method)
	case 1:
		data = r.Values[0]
	default:
		var err error
		if data, err = json.Marshal(r.Values); err != nil {
			return fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, r.Method, err)
	}
	return nil
}

// Call writes the method line, waits for the server to accept it, writes
// body as a JSON frame when non-nil and drains the response until the
// empty terminator frame or the peer closes. Use Do with Replies set to
// FixedCount(1) for methods that send one value and keep the connection
// open without a terminator.
//
// If Call fails after the request was written, frames belonging to the
// exchange may still be unread; close the connection unless the error is
// a *RemoteError.
func (c *Conn) Call(ctx context.Context, method string, body any) (*Reply, error) {
	return c.Do(ctx, Request{Method: method, Body: body})
}

// Do is Call for a prepared Request.
func (c *Conn) Do(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()
	reply, err := c.call(ctx, req)
	observability.ObserveCall(c.logger, req.Method, outcomeOf(err), start, err)
	return reply, err
}

func (c *Conn) call(ctx context.Context, req Request) (*Reply, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var body string
	if req.hasBody() {
		text, err := frame.EncodeJSON(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %w", ErrInvalidRequest, err)
		}
		body = text
	}
	if err := c.beginExchange(req.Method); err != nil {
		return nil, err
	}
	if err := c.startCall(ctx, req.Method); err != nil {
		c.endExchange()
		return nil, err
	}
	if req.hasBody() {
		if err := c.writeFrame(ctx, body); err != nil {
			c.endExchange()
			return nil, err
		}
	}

	opts := replyOptions()
	opts.Continuation = req.Replies
	stream := newStream(c, opts)
	defer stream.Close()
	elems, err := stream.Collect(ctx)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Method: req.Method, Values: make([]json.RawMessage, 0, len(elems))}
	for _, elem := range elems {
		reply.Values = append(reply.Values, elem.Raw)
	}
	return reply, nil
}

// RequestReply performs a single request/reply exchange: the method line
// is acknowledged, the request is sent as one JSON frame, the server
// answers with a status line and exactly one JSON reply frame which is
// decoded into reply.
func (c *Conn) RequestReply(ctx context.Context, method string, request, reply any) error {
	start := time.Now()
	err := c.requestReply(ctx, method, request, reply)
	observability.ObserveCall(c.logger, method, outcomeOf(err), start, err)
	return err
}

func (c *Conn) requestReply(ctx context.Context, method string, request, reply any) error {
	if err := validateMethod(method); err != nil {
		return err
	}
	payload, err := frame.EncodeJSON(request)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", ErrInvalidRequest, err)
	}
	if err := c.beginExchange(method); err != nil {
		return err
	}
	defer c.endExchange()

	if err := c.startCall(ctx, method); err != nil {
		return err
	}
	if err := c.writeFrame(ctx, payload); err != nil {
		return err
	}
	if err := c.readStatus(ctx, method); err != nil {
		return err
	}
	text, err := c.readFrame(ctx, c.cfg.ReadTimeout)
	if err != nil {
		if errors.Is(err, errPeerClosed) {
			return fmt.Errorf("%w: %s: closed before reply", ErrConnectionClosed, method)
		}
		return err
	}
	elem, err := decodeElement(text, ModeJSON)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return elem.Decode(reply)
}

// startCall writes the method line and reads the acceptance frame.
func (c *Conn) startCall(ctx context.Context, method string) error {
	if err := c.writeFrame(ctx, method); err != nil {
		return err
	}
	return c.readStatus(ctx, method)
}

// readStatus reads one status frame: empty means accepted, anything else is
// the server's error text.
func (c *Conn) readStatus(ctx context.Context, method string) error {
	text, err := c.readFrame(ctx, c.cfg.ReadTimeout)
	if err != nil {
		if errors.Is(err, errPeerClosed) {
			return fmt.Errorf("%w: %s: closed before status", ErrConnectionClosed, method)
		}
		return err
	}
	if text != "" {
		return &RemoteError{Method: method, Message: text}
	}
	return nil
}

func replyOptions() ReceiveOptions {
	return ReceiveOptions{
		ExpectEmptyTerminator: true,
		Continuation:          Unbounded(),
		Mode:                  ModeJSON,
	}
}

func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return observability.OutcomeOK
	case errors.As(err, &remote):
		return observability.OutcomeRemote
	case errors.Is(err, ErrDecode):
		return observability.OutcomeDecode
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return observability.OutcomeTimeout
	case errors.Is(err, ErrProtocolMisuse), errors.Is(err, ErrInvalidRequest):
		return observability.OutcomeMisuse
	case errors.Is(err, ErrConnectionClosed):
		return observability.OutcomeClosed
	default:
		return observability.OutcomeTransport
	}
}
