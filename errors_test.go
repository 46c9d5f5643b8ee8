package srpc

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestConnectErrorUnwrapsCause(t *testing.T) {
	cause := &net.DNSError{Err: "no such host", Name: "srpc.invalid", IsNotFound: true}
	err := error(&ConnectError{Kind: DNSFailure, Addr: "srpc.invalid:6976", Err: cause})

	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		t.Fatalf("errors.As did not reach the dns error: %v", err)
	}
	if !IsConnectKind(err, DNSFailure) || IsConnectKind(err, TCPRefused) {
		t.Fatalf("IsConnectKind mismatch for %v", err)
	}
	if !strings.Contains(err.Error(), "dns_failure") {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestConnectErrorRetryable(t *testing.T) {
	for kind, want := range map[ConnectErrorKind]bool{
		DNSFailure:          true,
		TCPRefused:          true,
		TLSHandshakeFailure: false,
		CertificateInvalid:  false,
		EndpointRejected:    false,
	} {
		if got := (&ConnectError{Kind: kind}).Retryable(); got != want {
			t.Fatalf("%s retryable = %v, want %v", kind, got, want)
		}
	}
}

func TestClassifyDial(t *testing.T) {
	if got := classifyDial(&net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host"}}); got != DNSFailure {
		t.Fatalf("dns classify = %s", got)
	}
	if got := classifyDial(&net.OpError{Op: "dial", Err: errors.New("connection refused")}); got != TCPRefused {
		t.Fatalf("refused classify = %s", got)
	}
}

func TestClassifyHandshakeCertificateAlert(t *testing.T) {
	alert := &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")}
	if got := classifyHandshake(alert, false); got != CertificateInvalid {
		t.Fatalf("alert classify = %s", got)
	}
	other := &net.OpError{Op: "remote error", Err: errors.New("tls: protocol version not supported")}
	if got := classifyHandshake(other, false); got != TLSHandshakeFailure {
		t.Fatalf("version alert classify = %s", got)
	}
	if !errors.Is(errPeerClosed, ErrConnectionClosed) {
		t.Fatal("peer close must report ErrConnectionClosed")
	}
}

func TestClassifyHandshakeWithheldCertificate(t *testing.T) {
	failure := &net.OpError{Op: "remote error", Err: errors.New("tls: handshake failure")}
	if got := classifyHandshake(failure, true); got != CertificateInvalid {
		t.Fatalf("withheld certificate classify = %s", got)
	}
	if got := classifyHandshake(failure, false); got != TLSHandshakeFailure {
		t.Fatalf("plain handshake failure classify = %s", got)
	}
	local := &net.OpError{Op: "write", Err: errors.New("broken pipe")}
	if got := classifyHandshake(local, true); got != TLSHandshakeFailure {
		t.Fatalf("local write failure classify = %s", got)
	}
}
