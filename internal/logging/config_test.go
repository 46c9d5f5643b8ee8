package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" Debug ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogBypass, "true")
	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level override not applied: %v", cfg.Level)
	}
	if !cfg.Bypass {
		t.Fatalf("bypass override not applied")
	}
}

func TestComponentLoggerTagsEvents(t *testing.T) {
	prev := Logger()
	defer Set(prev)

	var buf bytes.Buffer
	Set(New(Config{Level: zerolog.DebugLevel, Bypass: true, Out: &buf}))
	l := Component("srpc.conn")
	l.Debug().Str("endpoint", "/_SRPC_/TLS/JSON").Msg("negotiated")
	out := buf.String()
	if !strings.Contains(out, `"component":"srpc.conn"`) || !strings.Contains(out, `"endpoint":"/_SRPC_/TLS/JSON"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
