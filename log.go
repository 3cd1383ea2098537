package quip

import "go.uber.org/zap"

// logger is the package-wide logging seam. It defaults to a no-op logger;
// callers opt in to real logging with WithLogger. Mirrors the pluggable
// package-level logger pattern used throughout the actor-supervision
// ecosystem this runtime was grown from, backed here by zap instead of a
// minimal Println interface.
var logger = zap.NewNop().Sugar()

// WithLogger installs l as the package-wide logger for quip's own child,
// group and supervisor logging (faults, restarts, exhaustion). The executor
// keeps its own logger; WithRuntimeLogger sets both.
// It is not safe to call concurrently with runtime activity; call it once,
// before constructing a Runtime.
func WithLogger(l *zap.Logger) {
	if l == nil {
		logger = zap.NewNop().Sugar()
		return
	}
	logger = l.Sugar()
}
