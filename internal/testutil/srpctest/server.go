// Package srpctest runs a scripted mTLS SRPC peer for client tests.
package srpctest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/srpc/internal/logging"
	"github.com/danmuck/srpc/internal/protocol/frame"
	"github.com/danmuck/srpc/internal/protocol/session"
	"github.com/danmuck/srpc/internal/testutil/tlstest"
)

const handshakeTimeout = 5 * time.Second

// Handler scripts the server side of one accepted connection. It runs on
// its own goroutine; report failures with t.Errorf, not t.Fatalf.
type Handler func(p *Peer)

type Option func(*Server)

// WithHTTPConnect makes the server expect an HTTP CONNECT before TLS and
// answer it with status (for example "200 Connected to Go SRPC").
func WithHTTPConnect(status string) Option {
	return func(s *Server) {
		s.connectStatus = status
	}
}

// WithClientCA replaces the authority that client certificates must chain
// to.
func WithClientCA(ca *tlstest.Authority) Option {
	return func(s *Server) {
		s.clientCA = ca
	}
}

// WithMaxVersion caps the TLS version the server negotiates.
func WithMaxVersion(version uint16) Option {
	return func(s *Server) {
		s.maxVersion = version
	}
}

// Server listens on a loopback port and hands every connection that
// completes TLS and endpoint negotiation to its Handler.
type Server struct {
	t       testing.TB
	ln      net.Listener
	handler Handler

	serverCA *tlstest.Authority
	clientCA *tlstest.Authority
	tlsCfg   *tls.Config
	certFile string
	keyFile  string

	connectStatus string
	maxVersion    uint16

	accepted    atomic.Int64
	handshakeMu sync.Mutex
	handshakes  []error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewServer(t testing.TB, handler Handler, opts ...Option) *Server {
	t.Helper()

	dir := t.TempDir()
	s := &Server{
		t:        t,
		handler:  handler,
		serverCA: tlstest.NewAuthority(t, dir, "srpctest-server-ca"),
		clientCA: tlstest.NewAuthority(t, dir, "srpctest-client-ca"),
	}
	s.certFile, s.keyFile = s.clientCA.IssueClientCert(t, "srpctest-client")
	for _, opt := range opts {
		opt(s)
	}
	s.tlsCfg = s.serverCA.ServerTLSConfig(t, "srpctest-server", s.clientCA)
	s.tlsCfg.MaxVersion = s.maxVersion

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string { return "127.0.0.1" }

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// ClientCert returns a client certificate and key the server trusts.
func (s *Server) ClientCert() (string, string) {
	return s.certFile, s.keyFile
}

// CAFile verifies the server certificate.
func (s *Server) CAFile() string {
	return s.serverCA.CAFile()
}

func (s *Server) ClientCA() *tlstest.Authority { return s.clientCA }

// Accepted counts TCP connections accepted so far.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// HandshakeErrors returns the server-side TLS handshake failures seen so
// far.
func (s *Server) HandshakeErrors() []error {
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()
	return append([]error(nil), s.handshakes...)
}

// Close stops accepting and waits for running handlers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		s.wg.Wait()
	})
}

func (s *Server) serve() {
	defer s.wg.Done()
	logger := logging.Component("srpctest")
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer raw.Close()
			s.handle(raw)
		}()
	}
}

func (s *Server) handle(raw net.Conn) {
	logger := logging.Component("srpctest").With().Str("remote", raw.RemoteAddr().String()).Logger()

	var endpoint string
	if s.connectStatus != "" {
		ep, err := readConnectRequest(raw)
		if err != nil {
			logger.Debug().Err(err).Msg("connect request failed")
			return
		}
		endpoint = ep
		if err := session.WriteConnectResponse(raw, s.connectStatus); err != nil {
			return
		}
		if !strings.HasPrefix(s.connectStatus, "200") {
			return
		}
	}

	tc := tls.Server(raw, s.tlsCfg)
	_ = tc.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tc.Handshake(); err != nil {
		s.handshakeMu.Lock()
		s.handshakes = append(s.handshakes, err)
		s.handshakeMu.Unlock()
		logger.Debug().Err(err).Msg("tls handshake failed")
		drain(raw)
		return
	}
	_ = tc.SetDeadline(time.Time{})

	p := &Peer{
		t:      s.t,
		conn:   tc,
		reader: frame.NewReader(tc, frame.DefaultLimits()),
	}
	if s.connectStatus == "" {
		ep, err := session.ReadEndpoint(p.reader)
		if err != nil {
			logger.Debug().Err(err).Msg("endpoint negotiation failed")
			return
		}
		endpoint = ep
	}
	p.Endpoint = endpoint
	logger.Debug().Str("endpoint", endpoint).Msg("peer ready")
	s.handler(p)
}

// drain consumes what the client already sent so the close that follows
// does not reset the connection before the client reads our alert.
func drain(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _ = io.Copy(io.Discard, c)
}

// readConnectRequest reads "CONNECT <endpoint> HTTP/1.x" and its header
// block byte by byte so nothing past the blank line is consumed.
func readConnectRequest(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(oneByteReader{r}, 16)
	var request string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if request == "" {
			request = line
		}
	}
	fields := strings.Fields(request)
	if len(fields) != 3 || fields[0] != "CONNECT" {
		return "", fmt.Errorf("srpctest: bad connect request %q", request)
	}
	return fields[1], nil
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}
