package testlog

import (
	"testing"

	"github.com/danmuck/srpc/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logger := logging.Logger()
	logger.Info().Msgf("test=%s", t.Name())
}
