package observability

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	OutcomeOK        = "ok"
	OutcomeRemote    = "remote_error"
	OutcomeDecode    = "decode_error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeClosed    = "closed"
	OutcomeMisuse    = "misuse"
)

// ObserveCall logs one finished exchange and records its metrics. Remote
// and decode failures log at warn, connection-level failures at error.
func ObserveCall(logger zerolog.Logger, method, outcome string, start time.Time, err error) {
	duration := time.Since(start)
	RecordCall(method, outcome, duration)

	event := logger.Debug()
	switch outcome {
	case OutcomeOK:
	case OutcomeRemote, OutcomeDecode, OutcomeMisuse, OutcomeTimeout:
		event = logger.Warn()
	default:
		event = logger.Error()
	}
	if err != nil {
		event = event.Err(err)
	}
	event.
		Str("method", method).
		Str("outcome", outcome).
		Dur("duration", duration).
		Msg("srpc_call")
}
