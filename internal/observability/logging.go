// Package observability owns the process-wide CLI logger. Commands and
// collaborators receive *zap.Logger values from here; nothing else in
// the module touches global logging state.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles. Structured renders human-readable console lines to
// stderr; json renders one JSON object per line for log shippers.
const (
	ProfileStructured = "structured"
	ProfileJSON       = "json"
)

// CLILogger is the process-wide logger. It starts at warn level so
// failures before flag parsing are still visible; InitCLILogger
// replaces it once the root command has parsed --verbose/--debug.
var CLILogger = newLogger(zapcore.WarnLevel, ProfileStructured)

// InitCLILogger rebuilds CLILogger for the requested verbosity and
// profile. Warnings and errors always pass; --verbose adds info,
// --debug adds everything. Unknown profiles fall back to structured.
func InitCLILogger(verbose, debug bool, profile string) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.InfoLevel
	}
	if debug {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(level, strings.ToLower(strings.TrimSpace(profile)))
}

// Sync flushes buffered log entries. Called before process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func newLogger(level zapcore.Level, profile string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch profile {
	case ProfileJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}
