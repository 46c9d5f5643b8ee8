package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
)

// scriptedReader returns one scripted chunk (or error) per Read call.
type scriptedReader struct {
	steps []step
}

type step struct {
	data string
	err  error
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	s := r.steps[0]
	r.steps = r.steps[1:]
	if s.err != nil {
		return 0, s.err
	}
	return copy(p, s.data), nil
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, text := range []string{"Hypervisor.ProbeVmPort", "", `{"PortNumber":22}`} {
		if err := WriteFrame(&buf, text, DefaultLimits()); err != nil {
			t.Fatalf("write frame %q: %v", text, err)
		}
	}
	if got := buf.String(); got != "Hypervisor.ProbeVmPort\n\n{\"PortNumber\":22}\n" {
		t.Fatalf("unexpected wire bytes: %q", got)
	}

	r := NewReader(&buf, DefaultLimits())
	var got []string
	for {
		text, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		got = append(got, text)
	}
	want := []string{"Hypervisor.ProbeVmPort", "", `{"PortNumber":22}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames mismatch: got=%q want=%q", got, want)
	}
}

func TestWriteFrameRejectsEmbeddedNewline(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, "a\nb", DefaultLimits())
	if !errors.Is(err, ErrEmbeddedNewline) {
		t.Fatalf("expected ErrEmbeddedNewline, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %q", buf.String())
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, strings.Repeat("x", 9), Limits{MaxFrameBytes: 8})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameStripsOnlyOneNewline(t *testing.T) {
	r := NewReader(strings.NewReader("a\r\n\n"), DefaultLimits())
	first, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first != "a\r" {
		t.Fatalf("expected carriage return kept, got %q", first)
	}
	second, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second != "" {
		t.Fatalf("expected empty frame, got %q", second)
	}
}

func TestReadFrameTruncatedAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader("complete\npartial"), DefaultLimits())
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("read complete frame: %v", err)
	}
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFrameLongerThanBuffer(t *testing.T) {
	long := strings.Repeat("y", 10000)
	r := NewReader(strings.NewReader(long+"\n"), DefaultLimits())
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read long frame: %v", err)
	}
	if got != long {
		t.Fatalf("long frame mismatch: len=%d", len(got))
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("z", 64)+"\n"), Limits{MaxFrameBytes: 16})
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameResumesAfterTimeout(t *testing.T) {
	src := &scriptedReader{steps: []step{
		{data: `{"Name":`},
		{err: os.ErrDeadlineExceeded},
		{data: `"vm-1"}` + "\n"},
	}}
	r := NewReader(src, DefaultLimits())
	_, err := r.ReadFrame()
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !r.Pending() {
		t.Fatalf("partial frame should be retained")
	}
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("resume read: %v", err)
	}
	if got != `{"Name":"vm-1"}` {
		t.Fatalf("resumed frame mismatch: %q", got)
	}
	if r.Pending() {
		t.Fatalf("partial should be cleared")
	}
}

func TestBufferedCountsUnreturnedBytes(t *testing.T) {
	src := &scriptedReader{steps: []step{
		{data: "one\ntwo\nthr"},
		{err: os.ErrDeadlineExceeded},
	}}
	r := NewReader(src, DefaultLimits())
	if got, err := r.ReadFrame(); err != nil || got != "one" {
		t.Fatalf("first frame = %q err=%v", got, err)
	}
	if n := r.Buffered(); n != len("two\nthr") {
		t.Fatalf("buffered after one frame = %d", n)
	}
	if got, err := r.ReadFrame(); err != nil || got != "two" {
		t.Fatalf("second frame = %q err=%v", got, err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if n := r.Buffered(); n != len("thr") {
		t.Fatalf("buffered with partial frame = %d", n)
	}
}

func TestEncodeJSONRoundTrip(t *testing.T) {
	payloads := []any{
		map[string]any{"IpAddress": "10.0.0.1", "PortNumber": float64(22)},
		[]any{"multi\nline", float64(1), nil, true},
		"plain",
	}
	for _, p := range payloads {
		text, err := EncodeJSON(p)
		if err != nil {
			t.Fatalf("encode %v: %v", p, err)
		}
		var buf bytes.Buffer
		if err := WriteFrame(&buf, text, DefaultLimits()); err != nil {
			t.Fatalf("encoded json must be a single frame: %v", err)
		}
		line, err := NewReader(&buf, DefaultLimits()).ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var out any
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(out, p) {
			t.Fatalf("round trip mismatch: got=%#v want=%#v", out, p)
		}
	}
}
