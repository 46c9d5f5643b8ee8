// Package retryclient wraps an SRPC connection that is re-established
// with backoff when it is found closed. Calls are never re-issued: a call
// that fails on a broken connection returns its error and the next call
// dials again.
package retryclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/srpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Params struct {
	Config srpc.Config
	// MaxAttempts caps dial attempts per (re)connect. Zero retries until
	// the context is done.
	MaxAttempts int
	// DialRate limits dial attempts per second across reconnects. Zero is
	// unlimited.
	DialRate  rate.Limit
	DialBurst int

	dial func(context.Context, srpc.Config) (*srpc.Conn, error)
}

type RetryClient struct {
	params  Params
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	conn *srpc.Conn
}

// Dial connects, retrying DNS and TCP failures with the configured
// backoff. Certificate and handshake failures are returned at once.
func Dial(ctx context.Context, params Params) (*RetryClient, error) {
	return dial(ctx, params)
}

// Call runs srpc.Conn.Call, dialing first if the connection is closed.
func (client *RetryClient) Call(ctx context.Context, method string, body any) (*srpc.Reply, error) {
	return client.call(ctx, method, body)
}

// Send runs srpc.Conn.Send, dialing first if the connection is closed.
func (client *RetryClient) Send(ctx context.Context, method string) (*srpc.Handle, error) {
	return client.send(ctx, method)
}

func (client *RetryClient) RequestReply(ctx context.Context, method string, request, reply any) error {
	return client.requestReply(ctx, method, request, reply)
}

// Conn returns the current connection, which may be closed.
func (client *RetryClient) Conn() *srpc.Conn {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.conn
}

func (client *RetryClient) Close() error {
	return client.close()
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
