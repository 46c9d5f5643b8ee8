package srpctest

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/danmuck/srpc/internal/protocol/frame"
)

const peerReadTimeout = 5 * time.Second

// Peer is the server end of one negotiated connection.
type Peer struct {
	t      testing.TB
	conn   *tls.Conn
	reader *frame.Reader

	Endpoint string
}

// ReadLine reads one frame from the client.
func (p *Peer) ReadLine() (string, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(peerReadTimeout))
	return p.reader.ReadFrame()
}

// Expect reads one frame and reports a mismatch with t.Errorf.
func (p *Peer) Expect(want string) bool {
	got, err := p.ReadLine()
	if err != nil {
		p.t.Errorf("peer read (want %q): %v", want, err)
		return false
	}
	if got != want {
		p.t.Errorf("peer read %q, want %q", got, want)
		return false
	}
	return true
}

// WriteLine writes each text as one frame.
func (p *Peer) WriteLine(texts ...string) error {
	for _, text := range texts {
		if err := frame.WriteFrame(p.conn, text, frame.DefaultLimits()); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON writes v as one compact JSON frame.
func (p *Peer) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.WriteLine(string(payload))
}

// WriteRaw writes bytes without framing.
func (p *Peer) WriteRaw(data string) error {
	_, err := io.WriteString(p.conn, data)
	return err
}

// Ack accepts a method line.
func (p *Peer) Ack() error {
	return p.WriteLine("")
}

// WaitClosed blocks until the client closes its end or timeout passes.
func (p *Peer) WaitClosed(timeout time.Duration) bool {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	var buf [1]byte
	for {
		_, err := p.conn.Read(buf[:])
		if err == nil {
			continue
		}
		return !errors.Is(err, os.ErrDeadlineExceeded)
	}
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
