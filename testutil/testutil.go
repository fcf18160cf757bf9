package testutil

import (
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Int63n returns a non-negative pseudo-random int64 in [0,n).
func (r *RNG) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int63n(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// Request is one generated lookup workload: per-table offsets and indices,
// plus optional per-index weights.
type Request struct {
	Offsets [][]int32
	Indices [][]int64
	Weights [][]float32
}

// RequestConfig shapes generated requests.
type RequestConfig struct {
	Tables  int     // number of tables
	Bags    int     // bags per table
	BagSize int     // average indices per bag
	Rows    int     // index range per table, [0, Rows)
	Reuse   float64 // fraction of indices repeating the previous index
	Weights bool    // attach uniform [0, 1) per-index weights
}

// GenerateRequests builds n random lookup requests. Bag lengths vary
// uniformly in [0, 2*BagSize] so empty bags occur naturally; a Reuse
// fraction above zero duplicates neighboring indices to create the access
// locality cached tables see in production.
func (r *RNG) GenerateRequests(n int, cfg RequestConfig) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = r.generateRequest(cfg)
	}
	return reqs
}

func (r *RNG) generateRequest(cfg RequestConfig) Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := Request{
		Offsets: make([][]int32, cfg.Tables),
		Indices: make([][]int64, cfg.Tables),
	}
	if cfg.Weights {
		req.Weights = make([][]float32, cfg.Tables)
	}

	for t := 0; t < cfg.Tables; t++ {
		offsets := make([]int32, 1, cfg.Bags+1)
		var indices []int64
		for b := 0; b < cfg.Bags; b++ {
			l := 0
			if cfg.BagSize > 0 {
				l = r.rand.Intn(2*cfg.BagSize + 1)
			}
			for j := 0; j < l; j++ {
				if len(indices) > 0 && r.rand.Float64() < cfg.Reuse {
					indices = append(indices, indices[len(indices)-1])
				} else {
					indices = append(indices, r.rand.Int63n(int64(cfg.Rows)))
				}
			}
			offsets = append(offsets, int32(len(indices)))
		}
		req.Offsets[t] = offsets
		req.Indices[t] = indices
		if cfg.Weights {
			w := make([]float32, len(indices))
			for j := range w {
				w[j] = r.rand.Float32()
			}
			req.Weights[t] = w
		}
	}
	return req
}

// HalfPrunedRemap builds a dense remapping of length rows whose first half
// maps to itself and whose second half is pruned.
func HalfPrunedRemap(rows int) []int32 {
	remap := make([]int32, rows)
	for i := range remap {
		if i < rows/2 {
			remap[i] = int32(i)
		} else {
			remap[i] = -1
		}
	}
	return remap
}
