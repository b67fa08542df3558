package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// Initialize matches GOMAXPROCS to the container CPU quota. Call it first in
// main; the returned function restores the previous value.
func Initialize(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Infof))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS from CPU quota", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}
