package lookup

import (
	"log/slog"
	"runtime"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithMaxParallelism caps the number of concurrent lookup chunks. Values
// below 1 keep the default of GOMAXPROCS.
func WithMaxParallelism(n int) Option {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

// WithLogger sets the logger used for operational warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func defaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}
