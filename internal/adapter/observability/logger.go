package observability

import (
	"log/slog"
	"os"

	"github.com/evalbox/evalbox/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
// ServiceName separates the four binaries in aggregated output.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Dev gets debug level with source locations; everything else stays
	// at info.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
