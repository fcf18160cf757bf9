package remap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// DefaultLoadFactor matches the pruning hash tables this format originated
// with: capacity is twice the logical row count.
const DefaultLoadFactor = 0.5

const emptySlot int32 = -1

// Hash resolves via an open-addressing hash table that stores only the
// surviving (logical, physical) pairs.
//
// The probe sequence is part of the contract: the primary slot is
// murmur3(logical) mod capacity, collisions probe linearly with wrap-around,
// and an empty slot terminates the probe as "pruned". Repeated lookups of
// the same logical index therefore always resolve identically. Only 32-bit
// logical indices are supported.
type Hash struct {
	keys []int32
	vals []int32
	rows int
}

// NewHash builds a hash resolver from the same dense remapping array used by
// NewDense, inserting only the non-pruned entries. capacity is
// ceil(E / loadFactor); loadFactor <= 0 selects DefaultLoadFactor.
func NewHash(remap []int32, loadFactor float64) (*Hash, error) {
	if len(remap) == 0 {
		return nil, fmt.Errorf("remap: empty hash remapping")
	}
	if len(remap) > math.MaxInt32 {
		return nil, &ErrUnsupportedIndexWidth{Index: int64(len(remap))}
	}
	if loadFactor <= 0 {
		loadFactor = DefaultLoadFactor
	}
	if loadFactor > 1 {
		return nil, fmt.Errorf("remap: load factor %v out of range (0, 1]", loadFactor)
	}

	capacity := int(math.Ceil(float64(len(remap)) / loadFactor))
	if capacity < len(remap)+1 {
		// At least one empty slot so unsuccessful probes terminate.
		capacity = len(remap) + 1
	}

	h := &Hash{
		keys: make([]int32, capacity),
		vals: make([]int32, capacity),
		rows: len(remap),
	}
	for i := range h.keys {
		h.keys[i] = emptySlot
	}

	for logical, physical := range remap {
		if physical == PrunedSentinel {
			continue
		}
		if physical < 0 {
			return nil, fmt.Errorf("remap: invalid physical index %d at logical row %d", physical, logical)
		}
		slot := h.slot(int32(logical))
		for h.keys[slot] != emptySlot {
			if h.keys[slot] == int32(logical) {
				return nil, fmt.Errorf("remap: duplicate logical row %d", logical)
			}
			slot++
			if slot == len(h.keys) {
				slot = 0
			}
		}
		h.keys[slot] = int32(logical)
		h.vals[slot] = physical
	}
	return h, nil
}

func (r *Hash) slot(key int32) int {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(key))
	return int(murmur3.Sum32(buf[:]) % uint32(len(r.keys)))
}

func (r *Hash) Resolve(logical int64) (int64, bool, error) {
	if logical > math.MaxInt32 || logical < 0 {
		return 0, false, &ErrUnsupportedIndexWidth{Index: logical}
	}
	key := int32(logical)
	slot := r.slot(key)
	for {
		k := r.keys[slot]
		if k == emptySlot {
			return 0, false, nil
		}
		if k == key {
			return int64(r.vals[slot]), true, nil
		}
		slot++
		if slot == len(r.keys) {
			slot = 0
		}
	}
}

func (r *Hash) Len() int { return r.rows }

// Capacity returns the slot count of the underlying table.
func (r *Hash) Capacity() int { return len(r.keys) }
