package srpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/srpc/internal/protocol/frame"
	"github.com/danmuck/srpc/internal/testutil/srpctest"
)

func pipeConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 6976
	cfg.Endpoint = DefaultEndpoint
	cfg.TLS.CertFile = "client.crt"
	cfg.TLS.KeyFile = "client.key"
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg.WithDefaults()
}

// pipePeer is the far end of a net.Pipe connection.
type pipePeer struct {
	t      *testing.T
	conn   net.Conn
	reader *frame.Reader
}

func (p *pipePeer) expect(want string) {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := p.reader.ReadFrame()
	if err != nil {
		p.t.Errorf("peer read (want %q): %v", want, err)
		return
	}
	if got != want {
		p.t.Errorf("peer read %q, want %q", got, want)
	}
}

func (p *pipePeer) write(data string) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(data)); err != nil {
		p.t.Errorf("peer write %q: %v", data, err)
	}
}

// newPipeConn returns a Conn whose peer is scripted by script on its own
// goroutine. The returned channel closes when script returns.
func newPipeConn(t *testing.T, script func(p *pipePeer)) (*Conn, <-chan struct{}) {
	t.Helper()
	return newPipeConnWithConfig(t, pipeConfig(), script)
}

func newPipeConnWithConfig(t *testing.T, cfg Config, script func(p *pipePeer)) (*Conn, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	conn := newConn(client, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		script(&pipePeer{t: t, conn: server, reader: frame.NewReader(server, frame.DefaultLimits())})
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = server.Close()
		<-done
	})
	return conn, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer script did not finish")
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// stubConfig points a Config at a running srpctest server.
func stubConfig(srv *srpctest.Server) Config {
	certFile, keyFile := srv.ClientCert()
	cfg := DefaultConfig()
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	cfg.Endpoint = DefaultEndpoint
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	cfg.TLS.CAFile = srv.CAFile()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}
