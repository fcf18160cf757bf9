// Package remap resolves logical row indices to physical storage rows for
// pruned embedding tables.
//
// A remapping is built once at table-load time and is immutable afterwards;
// Resolve never mutates state and is safe for concurrent use. Two modes
// exist: a dense array (one physical index or the pruned sentinel per
// logical row) and an open-addressing hash table that only stores the
// surviving rows. The modes agree on every resolvable index, but express
// pruning differently: dense mode stores an explicit -1, hash mode treats
// "not present" as pruned.
package remap

import "fmt"

// PrunedSentinel marks a logical row as permanently absent in a dense
// remapping array.
const PrunedSentinel int32 = -1

// ErrUnsupportedIndexWidth is returned by hash-based resolution for logical
// indices that do not fit in 32 bits. Wider indices must use dense mode.
type ErrUnsupportedIndexWidth struct {
	Index int64
}

func (e *ErrUnsupportedIndexWidth) Error() string {
	return fmt.Sprintf("logical index %d exceeds 32-bit range supported by hash remapping", e.Index)
}

// Resolver maps a logical row index to a physical row, or reports it pruned.
//
// Callers must validate logical against the table's row count first; Resolve
// assumes 0 <= logical < Len for dense mode.
type Resolver interface {
	// Resolve returns the physical row for logical. ok=false means the row
	// is pruned and contributes nothing to pooling.
	Resolve(logical int64) (physical int64, ok bool, err error)

	// Len returns the logical row count the remapping was built for.
	Len() int
}

// Identity is the no-remapping resolver: every logical row is its own
// physical row.
type Identity struct {
	Rows int
}

func (r Identity) Resolve(logical int64) (int64, bool, error) {
	return logical, true, nil
}

func (r Identity) Len() int { return r.Rows }

// Dense resolves via direct array lookup.
type Dense struct {
	remap []int32
}

// NewDense builds a dense resolver from a remapping array of length E.
// Entries equal to PrunedSentinel mark pruned rows.
func NewDense(remap []int32) (*Dense, error) {
	if len(remap) == 0 {
		return nil, fmt.Errorf("remap: empty dense remapping")
	}
	for i, p := range remap {
		if p < PrunedSentinel {
			return nil, fmt.Errorf("remap: invalid physical index %d at logical row %d", p, i)
		}
	}
	cp := make([]int32, len(remap))
	copy(cp, remap)
	return &Dense{remap: cp}, nil
}

func (r *Dense) Resolve(logical int64) (int64, bool, error) {
	p := r.remap[logical]
	if p == PrunedSentinel {
		return 0, false, nil
	}
	return int64(p), true, nil
}

func (r *Dense) Len() int { return len(r.remap) }

var (
	_ Resolver = Identity{}
	_ Resolver = (*Dense)(nil)
	_ Resolver = (*Hash)(nil)
)
