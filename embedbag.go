// Package embedbag provides a quantized embedding-bag lookup engine for Go.
//
// An Engine serves inference-time lookups over a fixed set of embedding
// tables with production-ready features including:
//
//   - Quantized row storage: FP32, FP16, BF16, FP8 and rowwise-affine
//     INT8/INT4/INT2 with per-row scale/bias
//   - Pruning-aware index remapping: dense arrays or memory-efficient
//     open-addressing hash tables
//   - A shared set-associative row cache (LRU/LFU) for tables too large to
//     keep hot
//   - Sum, mean and unpooled bag reduction, with optional per-index weights
//   - Quantized output: FP32, FP16, BF16 or fused 8-bit rowwise
//   - Parallel lookups across tables and bag chunks
//   - Compressed, checksummed table snapshots
//
// # Quick Start
//
// Build an engine over two tables and run a forward pass:
//
//	specs := []table.Spec{
//	    {Name: "users", Rows: 1_000_000, Dim: 64, Format: rowcodec.INT4, Location: table.ManagedCaching},
//	    {Name: "items", Rows: 50_000, Dim: 32, Format: rowcodec.INT8, Location: table.Host},
//	}
//	eng, err := embedbag.New(specs,
//	    embedbag.WithPooling(embedbag.PoolingSum),
//	    embedbag.WithOutputFormat(embedbag.OutputFP16),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	out, err := eng.Forward(ctx, []embedbag.Batch{
//	    {Offsets: []int32{0, 2, 3}, Indices: []int64{12, 7, 40}},
//	    {Offsets: []int32{0, 1, 3}, Indices: []int64{3, 3, 9}},
//	})
//
// Each output row concatenates the tables' pooled segments; out.Float32
// decodes the encoded rows back to float32 when needed.
package embedbag

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/embedbag/cache"
	"github.com/hupe1980/embedbag/lookup"
	"github.com/hupe1980/embedbag/outquant"
	"github.com/hupe1980/embedbag/remap"
	"github.com/hupe1980/embedbag/table"
)

// Pooling selects the bag reduction mode.
type Pooling = lookup.PoolingMode

const (
	// PoolingSum adds the rows of each bag, honoring per-index weights.
	PoolingSum = lookup.Sum
	// PoolingMean averages over the non-pruned rows of each bag.
	PoolingMean = lookup.Mean
	// PoolingNone emits one output row per index, unpooled.
	PoolingNone = lookup.None
)

// OutputFormat selects the encoding of forward-pass output rows.
type OutputFormat = outquant.Format

const (
	OutputFP32 = outquant.FP32
	OutputFP16 = outquant.FP16
	OutputBF16 = outquant.BF16
	OutputINT8 = outquant.INT8
)

// Batch describes one table's lookup request. See lookup.Batch.
type Batch = lookup.Batch

// Output is one forward pass's encoded result matrix.
//
// Under sum/mean pooling, Rows equals the bag count and row r concatenates
// the per-table segments; segment t spans Dims[t] elements. Under unpooled
// mode rows stack per table in declaration order and RowOffsets[t] is the
// first row of table t's block.
type Output struct {
	Format     OutputFormat
	Pooling    Pooling
	Rows       int
	RowBytes   int
	Dims       []int
	RowOffsets []int
	Data       []byte

	quant *outquant.Quantizer
}

// Row returns the encoded bytes of output row r.
func (o *Output) Row(r int) []byte {
	return o.Data[r*o.RowBytes : (r+1)*o.RowBytes]
}

// Float32 decodes the whole output matrix back to row-major float32.
func (o *Output) Float32() ([]float32, error) {
	return o.quant.Dequantize(o.Data, o.Rows)
}

// Engine is a multi-table embedding lookup engine. Safe for concurrent use;
// row updates serialize against in-flight lookups of the same table.
type Engine struct {
	tables     []*table.Table
	lookup     *lookup.Engine
	quant      *outquant.Quantizer
	rowCache   *cache.Cache
	remappings [][]int32

	pooling      Pooling
	outputFormat OutputFormat
	metrics      MetricsCollector
	logger       *Logger
}

// New builds an Engine over the given table specs. Tables start zeroed; fill
// them through Table before serving lookups.
func New(specs []table.Spec, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)

	if len(specs) == 0 {
		return nil, fmt.Errorf("embedbag: no tables")
	}
	if !o.outputFormat.IsValid() {
		return nil, fmt.Errorf("embedbag: invalid output format %d", uint8(o.outputFormat))
	}

	tables := make([]*table.Table, len(specs))
	cachedRows := 0
	for i, spec := range specs {
		t, err := table.New(spec)
		if err != nil {
			return nil, err
		}
		tables[i] = t
		if spec.Location.Cached() {
			cachedRows += spec.Rows
		}
	}

	resolvers, err := buildResolvers(specs, o)
	if err != nil {
		return nil, err
	}

	var rowCache *cache.Cache
	if cachedRows > 0 {
		cfg := o.cacheConfig
		if cfg == nil && o.cacheBytes > 0 {
			cfg = byteCacheConfig(o, specs)
		}
		if cfg == nil {
			cfg = defaultCacheConfig(cachedRows)
		}
		rowCache, err = cache.New(*cfg)
		if err != nil {
			return nil, err
		}
	}

	lk, err := lookup.NewEngine(tables, resolvers, rowCache, o.pooling,
		lookup.WithMaxParallelism(o.maxParallelism),
		lookup.WithLogger(o.logger.Logger),
	)
	if err != nil {
		return nil, translateError(err)
	}

	dims := lk.Dims()
	if o.pooling == PoolingNone {
		// Uniform dimension, single segment per output row.
		dims = dims[:1]
	}
	quant, err := outquant.New(o.outputFormat, dims)
	if err != nil {
		return nil, err
	}

	return &Engine{
		tables:       tables,
		lookup:       lk,
		quant:        quant,
		rowCache:     rowCache,
		remappings:   o.remappings,
		pooling:      o.pooling,
		outputFormat: o.outputFormat,
		metrics:      o.metricsCollector,
		logger:       o.logger,
	}, nil
}

func buildResolvers(specs []table.Spec, o options) ([]remap.Resolver, error) {
	if o.remappings == nil {
		return nil, nil
	}
	if len(o.remappings) != len(specs) {
		return nil, fmt.Errorf("embedbag: %d remappings for %d tables", len(o.remappings), len(specs))
	}
	resolvers := make([]remap.Resolver, len(specs))
	for i, dense := range o.remappings {
		if dense == nil {
			continue
		}
		if o.hashRemap {
			r, err := remap.NewHash(dense, o.hashLoadFactor)
			if err != nil {
				return nil, fmt.Errorf("table %q: %w", specs[i].Name, err)
			}
			resolvers[i] = r
		} else {
			r, err := remap.NewDense(dense)
			if err != nil {
				return nil, fmt.Errorf("table %q: %w", specs[i].Name, err)
			}
			resolvers[i] = r
		}
	}
	return resolvers, nil
}

// defaultCacheConfig sizes the shared cache at roughly an eighth of the
// cached tables' rows, clamped to keep small and huge deployments sane.
func defaultCacheConfig(cachedRows int) *cache.Config {
	assoc := cache.DefaultAssociativity
	rows := cachedRows / 8
	if rows < assoc {
		rows = assoc
	}
	const maxRows = 1 << 20
	if rows > maxRows {
		rows = maxRows
	}
	rows -= rows % assoc
	return &cache.Config{Rows: rows, Associativity: assoc, Policy: cache.LRU}
}

// byteCacheConfig converts a memory budget into cache lines. Lines hold
// decoded float32 rows, so the widest cached table's row size bounds the
// per-line cost.
func byteCacheConfig(o options, specs []table.Spec) *cache.Config {
	maxDim := 1
	for _, spec := range specs {
		if spec.Location.Cached() && spec.Dim > maxDim {
			maxDim = spec.Dim
		}
	}
	assoc := o.cacheAssoc
	if assoc <= 0 {
		assoc = cache.DefaultAssociativity
	}
	rows := int(o.cacheBytes / int64(4*maxDim))
	if rows < assoc {
		rows = assoc
	}
	rows -= rows % assoc
	return &cache.Config{Rows: rows, Associativity: assoc, Policy: o.cachePolicy}
}

// NumTables returns the table count.
func (e *Engine) NumTables() int { return len(e.tables) }

// Table returns the t-th table for loading and inspection.
func (e *Engine) Table(t int) *table.Table { return e.tables[t] }

// Pooling returns the engine's pooling mode.
func (e *Engine) Pooling() Pooling { return e.pooling }

// OutputFormat returns the engine's output encoding.
func (e *Engine) OutputFormat() OutputFormat { return e.outputFormat }

// CacheStats returns the shared row cache counters; zero values when no
// table uses managed caching.
func (e *Engine) CacheStats() cache.Stats { return e.lookup.CacheStats() }

// Forward runs one lookup pass and encodes the pooled result. batches holds
// one Batch per table in declaration order.
func (e *Engine) Forward(ctx context.Context, batches []Batch) (*Output, error) {
	start := time.Now()
	out, err := e.forward(ctx, batches)

	bags := 0
	if len(batches) > 0 && len(batches[0].Offsets) > 0 {
		bags = batches[0].Bags()
	}
	e.metrics.RecordForward(bags, time.Since(start), err)
	rows := 0
	if out != nil {
		rows = out.Rows
	}
	e.logger.LogForward(ctx, bags, rows, err)
	return out, err
}

func (e *Engine) forward(ctx context.Context, batches []Batch) (*Output, error) {
	res, err := e.lookup.Forward(ctx, batches)
	if err != nil {
		return nil, translateError(err)
	}

	data, err := e.quant.Quantize(res.Data, res.Rows)
	if err != nil {
		return nil, err
	}
	return &Output{
		Format:     e.outputFormat,
		Pooling:    e.pooling,
		Rows:       res.Rows,
		RowBytes:   e.quant.RowBytes(),
		Dims:       res.Dims,
		RowOffsets: res.RowOffsets,
		Data:       data,
		quant:      e.quant,
	}, nil
}

// UpdateRow rewrites one physical row of table t. The change is visible to
// every subsequent Forward; any cached copy is dropped synchronously.
func (e *Engine) UpdateRow(ctx context.Context, t int, row int64, values []float32) error {
	start := time.Now()
	err := translateError(e.lookup.UpdateRow(t, row, values))
	e.metrics.RecordUpdate(time.Since(start), err)

	name := ""
	if t >= 0 && t < len(e.tables) {
		name = e.tables[t].Spec().Name
	}
	e.logger.LogUpdate(ctx, name, row, err)
	return err
}

// SaveTable writes a compressed, checksummed snapshot of table t.
func (e *Engine) SaveTable(ctx context.Context, t int, w io.Writer) error {
	if t < 0 || t >= len(e.tables) {
		return fmt.Errorf("embedbag: table index %d out of range", t)
	}
	err := e.tables[t].Save(w)
	e.logger.LogSnapshot(ctx, e.tables[t].Spec().Name, err)
	return err
}
