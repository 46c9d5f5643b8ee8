// Package srpc is a client for SRPC, a line-oriented RPC protocol spoken
// over mutually authenticated TLS.
//
// A connection is opened with Connect (or Dial), which completes the TLS
// handshake with a client certificate and announces the endpoint once.
// Every message after that is one newline-terminated frame: the method
// line, an optional compact JSON body, and the server's response frames.
//
// Exchanges on a connection are strictly serial. Call drains a whole
// response, Send returns a Handle for manual pacing, and Receive exposes
// the underlying Stream with caller-controlled continuation. Starting a
// second exchange while one is active fails with ErrProtocolMisuse.
package srpc

import (
	"github.com/danmuck/srpc/internal/logging"
	"github.com/rs/zerolog"
)

// SetLogger installs the logger used by connections opened afterwards.
// The package logs nothing by default.
func SetLogger(l zerolog.Logger) {
	logging.Set(l)
}
