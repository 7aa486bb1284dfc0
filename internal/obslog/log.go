// Package obslog is the core's debug-gated logger. Spec §6: "the core
// itself prints nothing on success and emits diagnostic lines only when
// built with a debug flag". That flag is the NTSYNC_DEBUG environment
// variable, read once at package init.
package obslog

import (
	"os"

	"go.uber.org/zap"
)

// DebugEnvVar is the runtime-recognized switch that turns on diagnostic
// logging (spec §6 mentions a flex_pthread-style verbosity flag; see
// SPEC_FULL.md's SUPPLEMENTED FEATURES).
const DebugEnvVar = "NTSYNC_DEBUG"

var base = mustBuild()

func mustBuild() *zap.Logger {
	if os.Getenv(DebugEnvVar) == "" {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// L returns the logger scoped to the given component name, e.g.
// obslog.L("treemutex").
func L(component string) *zap.SugaredLogger {
	return base.Sugar().Named(component)
}

// Sync flushes any buffered log entries; callers may defer it from
// process-lifetime glue. Errors are deliberately ignored, matching the
// logger's own recommended usage on stderr-backed sinks.
func Sync() {
	_ = base.Sync()
}
