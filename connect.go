package srpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/srpc/internal/logging"
	"github.com/danmuck/srpc/internal/observability"
	"github.com/danmuck/srpc/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Dial connects with DefaultConfig tunables.
func Dial(ctx context.Context, host string, port int, endpoint, certPath, keyPath string) (*Conn, error) {
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Endpoint = endpoint
	cfg.TLS.CertFile = certPath
	cfg.TLS.KeyFile = keyPath
	return Connect(ctx, cfg)
}

// Connect opens a TCP connection, completes the TLS handshake with the
// configured client certificate and negotiates the endpoint. It returns
// either a fully established connection or an error with no socket left
// open.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Component("srpc.connect").With().
		Str("addr", cfg.Address()).
		Str("endpoint", cfg.Endpoint).
		Logger()

	conn, err := connect(ctx, cfg, logger)
	if err != nil {
		observability.RecordConnect(cfg.Endpoint, connectResult(err))
		logger.Debug().Err(err).Msg("connect failed")
		return nil, err
	}
	conn.tracked = true
	observability.RecordConnect(cfg.Endpoint, "ok")
	logger.Debug().Msg("connection established")
	return conn, nil
}

func connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Conn, error) {
	addr := cfg.Address()
	tlsCfg, offer, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, &ConnectError{Kind: CertificateInvalid, Addr: addr, Err: err}
	}

	logger.Debug().Msg("dialing")
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Kind: classifyDial(err), Addr: addr, Err: err}
	}
	logger.Debug().Msg("tcp connection established")

	if cfg.Negotiation == NegotiateHTTPConnect {
		if err := negotiateHTTPConnect(ctx, rawConn, cfg); err != nil {
			_ = rawConn.Close()
			if errors.Is(err, session.ErrConnectRejected) {
				return nil, &ConnectError{Kind: EndpointRejected, Addr: addr, Err: err}
			}
			return nil, &ConnectError{Kind: TCPRefused, Addr: addr, Err: err}
		}
		logger.Debug().Msg("http connect accepted")
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, &ConnectError{Kind: classifyHandshake(err, offer.rejected()), Addr: addr, Err: err}
	}
	logger.Debug().
		Str("tls_version", tls.VersionName(tlsConn.ConnectionState().Version)).
		Msg("tls handshake completed")

	conn := newConn(tlsConn, cfg)
	if cfg.Negotiation == NegotiateLine {
		if err := conn.negotiateEndpoint(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// certOffer presents the client certificate and records whether the
// server's CertificateRequest ruled it out.
type certOffer struct {
	cert      tls.Certificate
	unmatched atomic.Bool
}

func (o *certOffer) choose(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if err := cri.SupportsCertificate(&o.cert); err != nil {
		o.unmatched.Store(true)
		return &tls.Certificate{}, nil
	}
	return &o.cert, nil
}

func (o *certOffer) rejected() bool {
	return o != nil && o.unmatched.Load()
}

func clientTLSConfig(cfg Config) (*tls.Config, *certOffer, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load client key pair: %w", err)
	}
	offer := &certOffer{cert: cert}
	tlsCfg := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetClientCertificate: offer.choose,
		InsecureSkipVerify:   cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		serverName = strings.TrimSpace(cfg.Host)
	}
	tlsCfg.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read tls ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, nil, fmt.Errorf("parse tls ca bundle: %s", caPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, offer, nil
}

func negotiateHTTPConnect(ctx context.Context, rawConn net.Conn, cfg Config) error {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := rawConn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := session.WriteConnectRequest(rawConn, cfg.Endpoint); err != nil {
		return err
	}
	if _, err := session.ReadConnectResponse(bufio.NewReader(rawConn)); err != nil {
		return err
	}
	return rawConn.SetDeadline(time.Time{})
}

func classifyDial(err error) ConnectErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSFailure
	}
	return TCPRefused
}

// classifyHandshake maps a handshake error to a connect kind. withheld
// reports that the server asked for a certificate ours could not satisfy,
// which makes any alert that follows a certificate rejection.
func classifyHandshake(err error, withheld bool) ConnectErrorKind {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		opErr       *net.OpError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert):
		return CertificateInvalid
	case errors.As(err, &opErr) && isRemoteAlert(opErr) &&
		(withheld || isCertificateAlert(opErr)):
		return CertificateInvalid
	}
	return TLSHandshakeFailure
}

// isCertificateAlert reports a remote alert refusing our certificate
// (bad_certificate, unknown_ca, certificate_required and friends).
func isCertificateAlert(opErr *net.OpError) bool {
	return strings.Contains(opErr.Err.Error(), "certificate")
}

func isRemoteAlert(opErr *net.OpError) bool {
	return opErr.Op == "remote error" && opErr.Err != nil
}

func connectResult(err error) string {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "error"
}
