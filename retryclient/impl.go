package retryclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/srpc"
	"github.com/danmuck/srpc/internal/logging"
	"github.com/danmuck/srpc/internal/protocol/session"
	"golang.org/x/time/rate"
)

func dial(ctx context.Context, params Params) (*RetryClient, error) {
	params.Config = params.Config.WithDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.dial == nil {
		params.dial = srpc.Connect
	}
	limit := params.DialRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := params.DialBurst
	if burst <= 0 {
		burst = 1
	}
	client := &RetryClient{
		params:  params,
		limiter: rate.NewLimiter(limit, burst),
		logger: logging.Component("srpc.retryclient").With().
			Str("addr", params.Config.Address()).
			Logger(),
		rng: newRNG(),
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if err := client.dialLocked(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (client *RetryClient) call(ctx context.Context, method string, body any) (*srpc.Reply, error) {
	conn, err := client.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, body)
}

func (client *RetryClient) send(ctx context.Context, method string) (*srpc.Handle, error) {
	conn, err := client.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, method)
}

func (client *RetryClient) requestReply(ctx context.Context, method string, request, reply any) error {
	conn, err := client.connection(ctx)
	if err != nil {
		return err
	}
	return conn.RequestReply(ctx, method, request, reply)
}

func (client *RetryClient) close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.conn == nil {
		return nil
	}
	err := client.conn.Close()
	client.conn = nil
	return err
}

// connection returns the open connection, redialing if it was closed.
func (client *RetryClient) connection(ctx context.Context) (*srpc.Conn, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.conn != nil && !client.conn.Closed() {
		return client.conn, nil
	}
	if client.conn != nil {
		client.logger.Info().Err(client.conn.Err()).Msg("connection lost, redialing")
	}
	if err := client.dialLocked(ctx); err != nil {
		return nil, err
	}
	return client.conn, nil
}

func (client *RetryClient) dialLocked(ctx context.Context) error {
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
	}
	for attempt := 1; ; attempt++ {
		if err := client.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("retryclient: wait for dial slot: %w", err)
		}
		conn, err := client.params.dial(ctx, client.params.Config)
		if err == nil {
			client.conn = conn
			if attempt > 1 {
				client.logger.Info().Int("attempt", attempt).Msg("connected")
			}
			return nil
		}
		if !retryable(err) {
			return err
		}
		if client.params.MaxAttempts > 0 && attempt >= client.params.MaxAttempts {
			return fmt.Errorf("retryclient: giving up after %d attempts: %w", attempt, err)
		}
		client.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed, backing off")
		if sleepErr := session.SleepBackoff(ctx, client.params.Config.Backoff, attempt, client.rng); sleepErr != nil {
			return fmt.Errorf("retryclient: %w (last dial error: %v)", sleepErr, err)
		}
	}
}

func retryable(err error) bool {
	var ce *srpc.ConnectError
	return errors.As(err, &ce) && ce.Retryable()
}
