package session

import (
	"errors"
	"fmt"
	"strings"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// TransportSecurity is the client side of the mTLS policy. SRPC always
// presents a client certificate; production additionally pins the peer to
// an explicit CA bundle.
type TransportSecurity struct {
	Mode               SecurityMode
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (t TransportSecurity) ValidateClient() error {
	mode := NormalizeSecurityMode(t.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, t.Mode)
	}

	if strings.TrimSpace(t.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(t.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if mode == SecurityModeProduction {
		if t.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
		if strings.TrimSpace(t.CAFile) == "" {
			return ErrTLSCAFileRequired
		}
	}
	return nil
}
