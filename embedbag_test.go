package embedbag_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedbag"
	"github.com/hupe1980/embedbag/cache"
	"github.com/hupe1980/embedbag/rowcodec"
	"github.com/hupe1980/embedbag/table"
	"github.com/hupe1980/embedbag/testutil"
)

func newIntegerEngine(t *testing.T, optFns ...embedbag.Option) *embedbag.Engine {
	t.Helper()
	eng, err := embedbag.New([]table.Spec{
		{Name: "t0", Rows: 100, Dim: 32, Format: rowcodec.INT8, Location: table.Host},
	}, optFns...)
	require.NoError(t, err)
	require.NoError(t, eng.Table(0).FillIntegerPattern())
	return eng
}

// The integer pattern stores row r element i as (r+i) mod 256 with scale 1
// and bias 0, so pooled outputs are exact small integers.
func TestForward_SumExactIntegers(t *testing.T) {
	eng := newIntegerEngine(t)

	out, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 3, 5},
		Indices: []int64{4, 4, 4, 10, 20},
	}})
	require.NoError(t, err)
	require.Equal(t, 2, out.Rows)

	got, err := out.Float32()
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		assert.Equal(t, float32(3*(4+i)), got[i], "bag 0: three copies of row 4")
		assert.Equal(t, float32(30+2*i), got[32+i], "bag 1: row 10 + row 20")
	}
}

func TestForward_UnpooledRows(t *testing.T) {
	eng := newIntegerEngine(t, embedbag.WithPooling(embedbag.PoolingNone))

	out, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 3, 5},
		Indices: []int64{4, 4, 4, 10, 20},
	}})
	require.NoError(t, err)
	require.Equal(t, 5, out.Rows, "unpooled output has one row per index")

	got, err := out.Float32()
	require.NoError(t, err)
	for r, base := range []int{4, 4, 4, 10, 20} {
		for i := 0; i < 32; i++ {
			assert.Equal(t, float32(base+i), got[r*32+i], "row %d element %d", r, i)
		}
	}
}

func TestForward_Int8Output(t *testing.T) {
	eng := newIntegerEngine(t, embedbag.WithOutputFormat(embedbag.OutputINT8))

	out, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 2},
		Indices: []int64{10, 20},
	}})
	require.NoError(t, err)
	assert.Equal(t, 32+8, out.RowBytes, "fused 8-bit rows carry trailing scale and bias")

	got, err := out.Float32()
	require.NoError(t, err)
	// Range of the row is 62..124, so the quantization step is under 0.25.
	for i := 0; i < 32; i++ {
		assert.InDelta(t, float32(30+2*i), got[i], 0.13)
	}
}

func TestForward_DenseAndHashRemapAgree(t *testing.T) {
	const rows = 100
	spec := []table.Spec{{Name: "t0", Rows: rows, Dim: 16, Format: rowcodec.INT8, Location: table.Host}}
	remapping := [][]int32{testutil.HalfPrunedRemap(rows)}

	dense, err := embedbag.New(spec, embedbag.WithPooling(embedbag.PoolingMean),
		embedbag.WithRemappings(remapping))
	require.NoError(t, err)
	hashed, err := embedbag.New(spec, embedbag.WithPooling(embedbag.PoolingMean),
		embedbag.WithRemappings(remapping), embedbag.WithHashRemap(0.5))
	require.NoError(t, err)
	require.NoError(t, dense.Table(0).FillRandom(11))
	require.NoError(t, hashed.Table(0).FillRandom(11))

	batches := []embedbag.Batch{{
		// Bag 0 mixes live and pruned rows, bag 1 is entirely pruned.
		Offsets: []int32{0, 4, 6},
		Indices: []int64{3, 30, 77, 99, 50, 51},
	}}
	a, err := dense.Forward(context.Background(), batches)
	require.NoError(t, err)
	b, err := hashed.Forward(context.Background(), batches)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data, "remapping modes must be interchangeable")

	got, err := a.Float32()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), got[16:32], "all-pruned bag yields zeros, not NaN")
}

func TestForward_CachedTableParity(t *testing.T) {
	build := func(loc table.Location) *embedbag.Engine {
		eng, err := embedbag.New([]table.Spec{
			{Name: "t0", Rows: 256, Dim: 8, Format: rowcodec.INT4, Location: loc},
		}, embedbag.WithCache(16, 4, cache.LRU))
		require.NoError(t, err)
		require.NoError(t, eng.Table(0).FillRandom(5))
		return eng
	}
	direct := build(table.Host)
	cached := build(table.ManagedCaching)

	rng := testutil.NewRNG(3)
	reqs := rng.GenerateRequests(10, testutil.RequestConfig{
		Tables: 1, Bags: 16, BagSize: 4, Rows: 256, Reuse: 0.3,
	})
	for _, req := range reqs {
		batches := []embedbag.Batch{{Offsets: req.Offsets[0], Indices: req.Indices[0]}}
		want, err := direct.Forward(context.Background(), batches)
		require.NoError(t, err)
		got, err := cached.Forward(context.Background(), batches)
		require.NoError(t, err)
		require.Equal(t, want.Data, got.Data)
	}

	stats := cached.CacheStats()
	assert.NotZero(t, stats.Hits, "reused indices must hit the cache")
	assert.NotZero(t, stats.Evictions, "an undersized cache must evict")
	assert.Zero(t, direct.CacheStats().Hits)
}

func TestForward_CacheSizedByBytes(t *testing.T) {
	// A 512-byte budget over dim-8 float32 rows buys 16 cache lines; lookups
	// through it must match an uncached engine exactly.
	build := func(loc table.Location) *embedbag.Engine {
		eng, err := embedbag.New([]table.Spec{
			{Name: "t0", Rows: 256, Dim: 8, Format: rowcodec.INT4, Location: loc},
		}, embedbag.WithCacheBytes(512, 4, cache.LRU))
		require.NoError(t, err)
		require.NoError(t, eng.Table(0).FillRandom(5))
		return eng
	}
	direct := build(table.Host)
	cached := build(table.ManagedCaching)

	rng := testutil.NewRNG(9)
	reqs := rng.GenerateRequests(10, testutil.RequestConfig{
		Tables: 1, Bags: 16, BagSize: 4, Rows: 256, Reuse: 0.3,
	})
	for _, req := range reqs {
		batches := []embedbag.Batch{{Offsets: req.Offsets[0], Indices: req.Indices[0]}}
		want, err := direct.Forward(context.Background(), batches)
		require.NoError(t, err)
		got, err := cached.Forward(context.Background(), batches)
		require.NoError(t, err)
		require.Equal(t, want.Data, got.Data)
	}

	stats := cached.CacheStats()
	assert.NotZero(t, stats.Hits, "reused indices must hit the cache")
	assert.NotZero(t, stats.Evictions, "a 16-line cache over 256 rows must evict")
}

func TestUpdateRow_VisibleAfterUpdate(t *testing.T) {
	eng, err := embedbag.New([]table.Spec{
		{Name: "t0", Rows: 32, Dim: 8, Format: rowcodec.FP16, Location: table.ManagedCaching},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Table(0).FillRandom(1))

	batches := []embedbag.Batch{{Offsets: []int32{0, 1}, Indices: []int64{7}}}
	_, err = eng.Forward(context.Background(), batches)
	require.NoError(t, err)

	want := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, eng.UpdateRow(context.Background(), 0, 7, want))

	out, err := eng.Forward(context.Background(), batches)
	require.NoError(t, err)
	got, err := out.Float32()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestForward_ErrorTranslation(t *testing.T) {
	eng := newIntegerEngine(t)

	_, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 1},
		Indices: []int64{100},
	}})
	var oor *embedbag.ErrIndexOutOfRange
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, "t0", oor.Table)
	assert.NotNil(t, oor.Unwrap())

	_, err = eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 2},
		Indices: []int64{1},
	}})
	assert.ErrorIs(t, err, embedbag.ErrMalformedBatch)
}

func TestForward_WeightsRejectedUnderMean(t *testing.T) {
	eng := newIntegerEngine(t, embedbag.WithPooling(embedbag.PoolingMean))

	_, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 1},
		Indices: []int64{1},
		Weights: []float32{2},
	}})
	var cfg *embedbag.ErrInvalidPoolingConfig
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, embedbag.PoolingMean, cfg.Pooling)
}

func TestNew_MixedDimsRejectedUnpooled(t *testing.T) {
	_, err := embedbag.New([]table.Spec{
		{Name: "a", Rows: 8, Dim: 16, Format: rowcodec.FP32, Location: table.Host},
		{Name: "b", Rows: 8, Dim: 8, Format: rowcodec.FP32, Location: table.Host},
	}, embedbag.WithPooling(embedbag.PoolingNone))
	var shape *embedbag.ErrPoolingShape
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "b", shape.Table)
}

func TestForward_Deterministic(t *testing.T) {
	build := func() *embedbag.Engine {
		eng, err := embedbag.New([]table.Spec{
			{Name: "a", Rows: 64, Dim: 16, Format: rowcodec.INT4, Location: table.Host},
			{Name: "b", Rows: 64, Dim: 8, Format: rowcodec.FP8, Location: table.Host},
		}, embedbag.WithOutputFormat(embedbag.OutputINT8))
		require.NoError(t, err)
		require.NoError(t, eng.Table(0).FillRandom(21))
		require.NoError(t, eng.Table(1).FillRandom(22))
		return eng
	}
	a, b := build(), build()

	rng := testutil.NewRNG(9)
	req := rng.GenerateRequests(1, testutil.RequestConfig{Tables: 2, Bags: 8, BagSize: 3, Rows: 64})[0]
	batches := []embedbag.Batch{
		{Offsets: req.Offsets[0], Indices: req.Indices[0]},
		{Offsets: req.Offsets[1], Indices: req.Indices[1]},
	}

	outA, err := a.Forward(context.Background(), batches)
	require.NoError(t, err)
	outB, err := b.Forward(context.Background(), batches)
	require.NoError(t, err)
	assert.Equal(t, outA.Data, outB.Data, "identically configured engines must agree byte for byte")
}

func TestMetricsCollector(t *testing.T) {
	metrics := &embedbag.BasicMetricsCollector{}
	eng := newIntegerEngine(t, embedbag.WithMetricsCollector(metrics))

	_, err := eng.Forward(context.Background(), []embedbag.Batch{{
		Offsets: []int32{0, 2},
		Indices: []int64{1, 2},
	}})
	require.NoError(t, err)
	require.NoError(t, eng.UpdateRow(context.Background(), 0, 1, make([]float32, 32)))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.ForwardCount)
	assert.Equal(t, int64(1), stats.ForwardBags)
	assert.Equal(t, int64(1), stats.UpdateCount)
	assert.Zero(t, stats.ForwardErrors)
}
