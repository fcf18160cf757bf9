package embedbag

import (
	"log/slog"

	"github.com/hupe1980/embedbag/cache"
)

type options struct {
	pooling        Pooling
	outputFormat   OutputFormat
	cacheConfig    *cache.Config
	cacheBytes     int64
	cacheAssoc     int
	cachePolicy    cache.Policy
	remappings     [][]int32
	hashRemap      bool
	hashLoadFactor float64
	maxParallelism int

	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Engine constructor behavior.
type Option func(*options)

// WithPooling configures how each bag's rows combine. Default is PoolingSum.
func WithPooling(p Pooling) Option {
	return func(o *options) {
		o.pooling = p
	}
}

// WithOutputFormat configures the encoding of forward-pass output rows.
// Default is OutputFP32.
func WithOutputFormat(f OutputFormat) Option {
	return func(o *options) {
		o.outputFormat = f
	}
}

// WithCache configures the shared row cache used by tables in the
// managed-caching location. Rows is the total line count, split into sets of
// the given associativity.
//
// Without this option a default-sized cache is created on demand.
func WithCache(rows, associativity int, policy cache.Policy) Option {
	return func(o *options) {
		o.cacheConfig = &cache.Config{
			Rows:          rows,
			Associativity: associativity,
			Policy:        policy,
		}
	}
}

// WithCacheBytes sizes the shared row cache by memory budget instead of row
// count. The budget converts to cache lines using the widest managed-caching
// table's decoded row size (4 bytes per element). associativity <= 0 keeps
// the default. WithCache takes precedence when both are given.
func WithCacheBytes(capacity int64, associativity int, policy cache.Policy) Option {
	return func(o *options) {
		o.cacheBytes = capacity
		o.cacheAssoc = associativity
		o.cachePolicy = policy
	}
}

// WithRemappings configures per-table pruning remappings in declaration
// order. Each entry is a dense array of length E mapping logical to physical
// rows, with remap.PrunedSentinel marking pruned rows; a nil entry leaves
// that table identity-mapped.
func WithRemappings(remappings [][]int32) Option {
	return func(o *options) {
		o.remappings = remappings
	}
}

// WithHashRemap stores remappings in open-addressing hash tables instead of
// dense arrays, trading lookup cost for memory proportional to the surviving
// rows. loadFactor <= 0 keeps the default of 0.5.
func WithHashRemap(loadFactor float64) Option {
	return func(o *options) {
		o.hashRemap = true
		o.hashLoadFactor = loadFactor
	}
}

// WithMaxParallelism caps the number of concurrent lookup chunks per forward
// pass. Values below 1 keep the default of GOMAXPROCS.
func WithMaxParallelism(n int) Option {
	return func(o *options) {
		o.maxParallelism = n
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		pooling:          PoolingSum,
		outputFormat:     OutputFP32,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
