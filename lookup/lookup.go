// Package lookup implements the inference-time forward pass over a set of
// embedding tables: index resolution, cached row fetch, and per-bag pooling.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/embedbag/cache"
	"github.com/hupe1980/embedbag/remap"
	"github.com/hupe1980/embedbag/table"
)

// PoolingMode selects how the rows of one bag combine into output.
type PoolingMode uint8

const (
	// Sum emits the (optionally weighted) element-wise sum of the bag.
	Sum PoolingMode = iota
	// Mean emits the sum divided by the count of non-pruned indices; an
	// all-pruned bag emits zeros, never NaN.
	Mean
	// None emits one output row per index, unpooled. All tables must share
	// one embedding dimension so rows stack into a single matrix; pruned
	// indices emit a zero row to keep the shape deterministic.
	None
)

func (m PoolingMode) String() string {
	switch m {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	case None:
		return "none"
	default:
		return fmt.Sprintf("pooling(%d)", uint8(m))
	}
}

// Batch is one table's lookup request. Offsets has length B+1 with
// Offsets[0] == 0; bag b covers Indices[Offsets[b]:Offsets[b+1]]. Weights,
// when non-nil, carries one multiplier per index and is only valid under
// Sum pooling.
type Batch struct {
	Offsets []int32
	Indices []int64
	Weights []float32
}

// Bags returns the number of bags the batch describes.
func (b Batch) Bags() int { return len(b.Offsets) - 1 }

// ErrMalformedBatch is wrapped by all batch shape violations.
var ErrMalformedBatch = errors.New("malformed batch")

// ErrIndexOutOfRange indicates a logical index outside [0, E) before
// remapping.
type ErrIndexOutOfRange struct {
	Table string
	Index int64
	Rows  int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("table %q: logical index %d out of range [0, %d)", e.Table, e.Index, e.Rows)
}

// ErrPoolingShape indicates a pooling mode the batch shapes cannot satisfy,
// such as None pooling across tables of differing embedding dimension.
type ErrPoolingShape struct {
	Table string
	Dim   int
	Want  int
}

func (e *ErrPoolingShape) Error() string {
	return fmt.Sprintf("unpooled output requires one embedding dimension: table %q has %d, want %d", e.Table, e.Dim, e.Want)
}

// ErrInvalidPoolingConfig indicates per-index weights combined with a
// pooling mode other than Sum.
type ErrInvalidPoolingConfig struct {
	Mode PoolingMode
}

func (e *ErrInvalidPoolingConfig) Error() string {
	return fmt.Sprintf("per-index weights are only valid under sum pooling, got %s", e.Mode)
}

// bagChunk is the unit of parallel work: a run of consecutive bags within
// one table. Chunks write disjoint output regions, so no synchronization is
// needed on the output buffer.
const bagChunkSize = 64

// Engine performs forward lookups over a fixed set of tables.
//
// Weight updates are serialized against lookups of the same table by a
// per-table RWMutex: Forward holds read locks, UpdateRow the write lock.
type Engine struct {
	tables    []*table.Table
	resolvers []remap.Resolver
	rowCache  *cache.Cache
	mode      PoolingMode

	mus  []sync.RWMutex
	dims []int
	cols []int // column offset per table in the pooled layout
	want int   // total pooled width in elements

	maxParallel int
	logger      *slog.Logger
	thrashWarn  *rate.Limiter
}

// NewEngine wires tables, their resolvers and the shared row cache into an
// engine. resolvers may be nil (no remapping anywhere) or hold a nil entry
// per identity-mapped table. rowCache may be nil when no table uses the
// managed-caching location.
func NewEngine(tables []*table.Table, resolvers []remap.Resolver, rowCache *cache.Cache, mode PoolingMode, opts ...Option) (*Engine, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("lookup: no tables")
	}
	if resolvers != nil && len(resolvers) != len(tables) {
		return nil, fmt.Errorf("lookup: %d resolvers for %d tables", len(resolvers), len(tables))
	}
	if mode > None {
		return nil, fmt.Errorf("lookup: invalid pooling mode %d", uint8(mode))
	}

	e := &Engine{
		tables:    tables,
		resolvers: make([]remap.Resolver, len(tables)),
		rowCache:  rowCache,
		mode:      mode,
		mus:       make([]sync.RWMutex, len(tables)),
		dims:      make([]int, len(tables)),
		cols:      make([]int, len(tables)),
		logger:    slog.Default(),
		// One thrash warning per 10s is plenty; the stats carry the rest.
		thrashWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	for t, tbl := range tables {
		spec := tbl.Spec()
		if spec.Location.Cached() && rowCache == nil {
			return nil, fmt.Errorf("lookup: table %q uses managed caching but no row cache was configured", spec.Name)
		}
		e.dims[t] = spec.Dim
		e.cols[t] = e.want
		e.want += spec.Dim

		if resolvers != nil && resolvers[t] != nil {
			if resolvers[t].Len() != spec.Rows {
				return nil, fmt.Errorf("lookup: table %q remapping covers %d rows, table has %d", spec.Name, resolvers[t].Len(), spec.Rows)
			}
			e.resolvers[t] = resolvers[t]
		} else {
			e.resolvers[t] = remap.Identity{Rows: spec.Rows}
		}
	}

	if mode == None {
		for t, d := range e.dims {
			if d != e.dims[0] {
				return nil, &ErrPoolingShape{Table: tables[t].Spec().Name, Dim: d, Want: e.dims[0]}
			}
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode returns the engine's pooling mode.
func (e *Engine) Mode() PoolingMode { return e.mode }

// Dims returns the per-table embedding dimensions in declaration order.
func (e *Engine) Dims() []int { return e.dims }

// Table returns the t-th table.
func (e *Engine) Table(t int) *table.Table { return e.tables[t] }

// NumTables returns the table count.
func (e *Engine) NumTables() int { return len(e.tables) }

// CacheStats returns the shared row cache counters; zero values when no
// cache is configured.
func (e *Engine) CacheStats() cache.Stats {
	if e.rowCache == nil {
		return cache.Stats{}
	}
	return e.rowCache.Stats()
}

// Result is the pooled float32 output.
//
// Under Sum/Mean, Rows is the bag count and each row holds the tables'
// column blocks side by side: table t occupies columns
// [Cols[t], Cols[t]+Dims[t]). Under None, Width is the shared embedding
// dimension and tables stack vertically in declaration order, one output
// row per index; RowOffsets[t] is the first row of table t's block.
type Result struct {
	Mode       PoolingMode
	Rows       int
	Width      int
	Cols       []int
	Dims       []int
	RowOffsets []int
	Data       []float32
}

// Row returns the i-th output row.
func (r *Result) Row(i int) []float32 {
	return r.Data[i*r.Width : (i+1)*r.Width]
}

// Forward runs one lookup pass. batches holds one Batch per table, in
// declaration order; all tables must describe the same bag count.
func (e *Engine) Forward(ctx context.Context, batches []Batch) (*Result, error) {
	if len(batches) != len(e.tables) {
		return nil, fmt.Errorf("lookup: %w: %d batches for %d tables", ErrMalformedBatch, len(batches), len(e.tables))
	}

	numBags := -1
	for t := range batches {
		if err := e.validateBatch(t, batches[t]); err != nil {
			return nil, err
		}
		if numBags == -1 {
			numBags = batches[t].Bags()
		} else if batches[t].Bags() != numBags {
			return nil, fmt.Errorf("lookup: %w: table %q has %d bags, want %d",
				ErrMalformedBatch, e.tables[t].Spec().Name, batches[t].Bags(), numBags)
		}
	}

	res := &Result{
		Mode: e.mode,
		Cols: e.cols,
		Dims: e.dims,
	}
	if e.mode == None {
		res.Width = e.dims[0]
		res.RowOffsets = make([]int, len(batches))
		for t := range batches {
			res.RowOffsets[t] = res.Rows
			res.Rows += len(batches[t].Indices)
		}
	} else {
		res.Width = e.want
		res.Rows = numBags
	}
	res.Data = make([]float32, res.Rows*res.Width)

	for t := range e.mus {
		e.mus[t].RLock()
		defer e.mus[t].RUnlock()
	}

	var before cache.Stats
	if e.rowCache != nil {
		before = e.rowCache.Stats()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism())
	for t := range batches {
		for lo := 0; lo < numBags; lo += bagChunkSize {
			hi := min(lo+bagChunkSize, numBags)
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return e.runChunk(res, t, batches[t], lo, hi)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if e.rowCache != nil {
		e.observeCache(before)
	}
	return res, nil
}

func (e *Engine) validateBatch(t int, b Batch) error {
	name := e.tables[t].Spec().Name
	if len(b.Offsets) == 0 || b.Offsets[0] != 0 {
		return fmt.Errorf("lookup: %w: table %q offsets must start at 0", ErrMalformedBatch, name)
	}
	for i := 1; i < len(b.Offsets); i++ {
		if b.Offsets[i] < b.Offsets[i-1] {
			return fmt.Errorf("lookup: %w: table %q offsets decrease at %d", ErrMalformedBatch, name, i)
		}
	}
	if int(b.Offsets[len(b.Offsets)-1]) != len(b.Indices) {
		return fmt.Errorf("lookup: %w: table %q final offset %d != %d indices",
			ErrMalformedBatch, name, b.Offsets[len(b.Offsets)-1], len(b.Indices))
	}
	if b.Weights != nil {
		if e.mode != Sum {
			return &ErrInvalidPoolingConfig{Mode: e.mode}
		}
		if len(b.Weights) != len(b.Indices) {
			return fmt.Errorf("lookup: %w: table %q has %d weights for %d indices",
				ErrMalformedBatch, name, len(b.Weights), len(b.Indices))
		}
	}
	return nil
}

// runChunk processes bags [lo, hi) of table t. Output regions of distinct
// chunks are disjoint.
func (e *Engine) runChunk(res *Result, t int, b Batch, lo, hi int) error {
	tbl := e.tables[t]
	spec := tbl.Spec()
	resolver := e.resolvers[t]
	cached := spec.Location.Cached()
	dim := e.dims[t]

	var scratch []float32
	if !cached {
		scratch = make([]float32, dim)
	}

	for bag := lo; bag < hi; bag++ {
		start, end := int(b.Offsets[bag]), int(b.Offsets[bag+1])

		var dst []float32
		if e.mode != None {
			row := res.Row(bag)
			dst = row[e.cols[t] : e.cols[t]+dim]
		}

		valid := 0
		for i := start; i < end; i++ {
			logical := b.Indices[i]
			if logical < 0 || logical >= int64(spec.Rows) {
				return &ErrIndexOutOfRange{Table: spec.Name, Index: logical, Rows: spec.Rows}
			}
			phys, ok, err := resolver.Resolve(logical)
			if err != nil {
				return fmt.Errorf("table %q: %w", spec.Name, err)
			}
			if !ok {
				// Pruned: contributes nothing; under None the output row
				// stays zero.
				continue
			}

			var decoded []float32
			if cached {
				decoded, _, err = e.rowCache.GetOrFetch(uint32(t), phys, func() ([]float32, error) {
					row := make([]float32, dim)
					if err := tbl.DecodeRow(row, phys); err != nil {
						return nil, err
					}
					return row, nil
				})
			} else {
				decoded = scratch
				err = tbl.DecodeRow(decoded, phys)
			}
			if err != nil {
				return err
			}

			switch e.mode {
			case None:
				copy(res.Row(res.RowOffsets[t]+i), decoded)
			default:
				if b.Weights != nil {
					w := b.Weights[i]
					for j, v := range decoded {
						dst[j] += v * w
					}
				} else {
					for j, v := range decoded {
						dst[j] += v
					}
				}
			}
			valid++
		}

		if e.mode == Mean && valid > 0 {
			inv := 1 / float32(valid)
			for j := range dst {
				dst[j] *= inv
			}
		}
	}
	return nil
}

// UpdateRow rewrites one physical row of a table and synchronously drops
// its cache line, so no later read can observe the old value.
func (e *Engine) UpdateRow(t int, physRow int64, values []float32) error {
	if t < 0 || t >= len(e.tables) {
		return fmt.Errorf("lookup: table index %d out of range", t)
	}
	e.mus[t].Lock()
	defer e.mus[t].Unlock()

	if err := e.tables[t].SetRow(physRow, values); err != nil {
		return err
	}
	if e.rowCache != nil && e.tables[t].Spec().Location.Cached() {
		e.rowCache.Invalidate(uint32(t), physRow)
	}
	return nil
}

func (e *Engine) parallelism() int {
	if e.maxParallel > 0 {
		return e.maxParallel
	}
	return defaultParallelism()
}

func (e *Engine) observeCache(before cache.Stats) {
	after := e.rowCache.Stats()
	hits := after.Hits - before.Hits
	misses := after.Misses - before.Misses
	total := hits + misses
	if total >= 1024 && misses*2 > total && e.thrashWarn.Allow() {
		e.logger.Warn("row cache thrashing",
			"hits", hits,
			"misses", misses,
			"evictions", after.Evictions-before.Evictions,
		)
	}
}
