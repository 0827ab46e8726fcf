package localupcli

import (
	"log/slog"

	"github.com/localup/localup/pkg/logging"
)

// newLogger builds the process-wide slog.Logger, honoring the
// persistent --verbose flag.
func newLogger() *slog.Logger {
	cfg := logging.DefaultConfig()
	if verbose {
		cfg.Level = logging.LevelDebug
	}
	return logging.New(cfg)
}
