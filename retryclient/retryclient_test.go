package retryclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/srpc"
	"github.com/danmuck/srpc/internal/testutil/srpctest"
	"github.com/danmuck/srpc/internal/testutil/testlog"
)

func stubParams(srv *srpctest.Server) Params {
	certFile, keyFile := srv.ClientCert()
	cfg := srpc.DefaultConfig()
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	cfg.Endpoint = srpc.DefaultEndpoint
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	cfg.TLS.CAFile = srv.CAFile()
	cfg.Backoff = srpc.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return Params{Config: cfg, MaxAttempts: 5}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialRetriesRetryableErrors(t *testing.T) {
	testlog.Start(t)

	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {
		p.WaitClosed(2 * time.Second)
	})
	params := stubParams(srv)
	var attempts atomic.Int32
	params.dial = func(ctx context.Context, cfg srpc.Config) (*srpc.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, &srpc.ConnectError{Kind: srpc.TCPRefused, Addr: cfg.Address(), Err: errors.New("refused")}
		}
		return srpc.Connect(ctx, cfg)
	}

	client, err := Dial(testContext(t), params)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDialStopsOnNonRetryableError(t *testing.T) {
	testlog.Start(t)

	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {})
	params := stubParams(srv)
	var attempts atomic.Int32
	params.dial = func(ctx context.Context, cfg srpc.Config) (*srpc.Conn, error) {
		attempts.Add(1)
		return nil, &srpc.ConnectError{Kind: srpc.CertificateInvalid, Addr: cfg.Address(), Err: errors.New("bad cert")}
	}

	_, err := Dial(testContext(t), params)
	if !srpc.IsConnectKind(err, srpc.CertificateInvalid) {
		t.Fatalf("dial = %v, want certificate_invalid", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {})
	params := stubParams(srv)
	params.MaxAttempts = 2
	var attempts atomic.Int32
	params.dial = func(ctx context.Context, cfg srpc.Config) (*srpc.Conn, error) {
		attempts.Add(1)
		return nil, &srpc.ConnectError{Kind: srpc.DNSFailure, Addr: cfg.Address(), Err: errors.New("no such host")}
	}

	_, err := Dial(testContext(t), params)
	if !srpc.IsConnectKind(err, srpc.DNSFailure) {
		t.Fatalf("dial = %v, want dns_failure", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestCallRedialsAfterConnectionLoss(t *testing.T) {
	testlog.Start(t)

	var served atomic.Int32
	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {
		if !p.Expect("Hypervisor.Ping") {
			return
		}
		_ = p.Ack()
		_ = p.WriteJSON(served.Add(1))
		// Closing after the reply ends the response and the connection.
		_ = p.Close()
	})

	client, err := Dial(testContext(t), stubParams(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx := testContext(t)
	for want := 1; want <= 2; want++ {
		reply, err := client.Call(ctx, "Hypervisor.Ping", nil)
		if err != nil {
			t.Fatalf("call %d: %v", want, err)
		}
		var got int
		if err := reply.Decode(&got); err != nil || got != want {
			t.Fatalf("call %d reply = %d err=%v", want, got, err)
		}
	}
	if n := srv.Accepted(); n != 2 {
		t.Fatalf("accepted = %d, want 2 (one redial)", n)
	}
}

func TestRequestReplyThroughRetryClient(t *testing.T) {
	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {
		if !p.Expect("Hypervisor.GetVmInfo") {
			return
		}
		_ = p.Ack()
		if !p.Expect(`{"IpAddress":"10.0.0.5"}`) {
			return
		}
		_ = p.WriteLine("")
		_ = p.WriteJSON(map[string]string{"Hostname": "vm-5"})
	})
	client, err := Dial(testContext(t), stubParams(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var reply struct{ Hostname string }
	err = client.RequestReply(testContext(t), "Hypervisor.GetVmInfo",
		map[string]string{"IpAddress": "10.0.0.5"}, &reply)
	if err != nil {
		t.Fatalf("request reply: %v", err)
	}
	if reply.Hostname != "vm-5" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSendAndCloseThroughRetryClient(t *testing.T) {
	srv := srpctest.NewServer(t, func(p *srpctest.Peer) {
		if !p.Expect("Subscriber.GetUpdates") {
			return
		}
		_ = p.Ack()
		_ = p.WriteLine(`{"Seq":1}`, "")
		p.WaitClosed(2 * time.Second)
	})
	client, err := Dial(testContext(t), stubParams(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx := testContext(t)
	handle, err := client.Send(ctx, "Subscriber.GetUpdates")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := handle.DecodeNext(ctx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_ = handle.Close()
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.Conn() != nil {
		t.Fatal("conn should be released after close")
	}
}
