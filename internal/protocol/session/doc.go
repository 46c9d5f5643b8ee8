// Package session owns SRPC session-start helpers.
//
// Ownership boundary:
// - endpoint handshake line (post-TLS)
// - HTTP CONNECT negotiation (pre-TLS)
// - client transport security policy
// - reconnect backoff primitives
package session
