package srpc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig    = errors.New("srpc: invalid config")
	ErrTransport        = errors.New("srpc: transport failure")
	ErrTimeout          = errors.New("srpc: timeout")
	ErrDecode           = errors.New("srpc: decode failure")
	ErrProtocolMisuse   = errors.New("srpc: protocol misuse")
	ErrConnectionClosed = errors.New("srpc: connection closed")
	ErrInvalidRequest   = errors.New("srpc: invalid request")
	ErrEmptyReply       = errors.New("srpc: empty reply")
	ErrStreamClosed     = errors.New("srpc: stream closed")
)

// errPeerClosed marks the first read that observed the peer's clean close.
var errPeerClosed = fmt.Errorf("%w: peer closed", ErrConnectionClosed)

// ConnectErrorKind names the connection stage that failed.
type ConnectErrorKind int

const (
	DNSFailure ConnectErrorKind = iota + 1
	TCPRefused
	TLSHandshakeFailure
	CertificateInvalid
	EndpointRejected
)

func (k ConnectErrorKind) String() string {
	switch k {
	case DNSFailure:
		return "dns_failure"
	case TCPRefused:
		return "tcp_refused"
	case TLSHandshakeFailure:
		return "tls_handshake_failure"
	case CertificateInvalid:
		return "certificate_invalid"
	case EndpointRejected:
		return "endpoint_rejected"
	default:
		return fmt.Sprintf("connect_error(%d)", int(k))
	}
}

// ConnectError reports a failed Connect. No connection survives it.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("srpc: connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Retryable reports whether dialing again may succeed. Certificate and
// handshake failures are not retryable.
func (e *ConnectError) Retryable() bool {
	return e.Kind == DNSFailure || e.Kind == TCPRefused
}

// IsConnectKind reports whether err is a ConnectError of the given kind.
func IsConnectKind(err error, kind ConnectErrorKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == kind
}

// RemoteError carries a non-empty status line sent by the server in place
// of an acknowledgement.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("srpc: %s: remote error: %s", e.Method, e.Message)
}
