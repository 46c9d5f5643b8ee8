package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/danmuck/srpc/internal/protocol/frame"
)

// DefaultEndpoint is the TLS/JSON endpoint served by SRPC servers.
const DefaultEndpoint = "/_SRPC_/TLS/JSON"

const maxConnectResponseBytes = 4 * 1024

var (
	ErrInvalidEndpoint         = errors.New("session: invalid endpoint")
	ErrConnectRejected         = errors.New("session: connect rejected")
	ErrConnectResponseTooLarge = errors.New("session: connect response too large")
	ErrConnectTrailingData     = errors.New("session: unexpected data after connect response")
)

func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if strings.IndexFunc(endpoint, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

// WriteEndpoint sends the one-line endpoint handshake that follows the TLS
// handshake.
func WriteEndpoint(w io.Writer, endpoint string, limits frame.Limits) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	return frame.WriteFrame(w, endpoint, limits)
}

// ReadEndpoint is the server half of WriteEndpoint.
func ReadEndpoint(r *frame.Reader) (string, error) {
	endpoint, err := r.ReadFrame()
	if err != nil {
		return "", err
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return "", err
	}
	return endpoint, nil
}

// WriteConnectRequest sends an HTTP/1.0 CONNECT for endpoint on the raw
// stream, ahead of the TLS handshake.
func WriteConnectRequest(w io.Writer, endpoint string) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	_, err := io.WriteString(w, "CONNECT "+endpoint+" HTTP/1.0\r\n\r\n")
	return err
}

// ReadConnectResponse consumes the CONNECT response header up to its blank
// line and returns the status line. Anything but a 200 is ErrConnectRejected.
func ReadConnectResponse(r *bufio.Reader) (string, error) {
	var status string
	var total int
	for {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > maxConnectResponseBytes {
			return "", ErrConnectResponseTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("session: connect response: %w", io.ErrUnexpectedEOF)
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if status == "" {
			if line == "" {
				continue
			}
			status = line
			continue
		}
		if line == "" {
			break
		}
	}
	if !connectAccepted(status) {
		return status, fmt.Errorf("%w: %q", ErrConnectRejected, status)
	}
	if r.Buffered() > 0 {
		return status, ErrConnectTrailingData
	}
	return status, nil
}

// WriteConnectResponse is the server half of ReadConnectResponse.
func WriteConnectResponse(w io.Writer, status string) error {
	_, err := io.WriteString(w, "HTTP/1.0 "+status+"\n\n")
	return err
}

func connectAccepted(status string) bool {
	for _, prefix := range []string{"HTTP/1.0 200", "HTTP/1.1 200"} {
		if strings.HasPrefix(status, prefix) {
			return true
		}
	}
	return false
}
