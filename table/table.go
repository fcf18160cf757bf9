// Package table holds embedding table specifications and their backing row
// storage.
//
// A Table owns one contiguous byte buffer of fixed-stride encoded rows in
// the rowcodec layout. Specs are immutable after construction; the alignment
// invariant between dimension and format is enforced here, so every
// downstream component can assume a well-formed stride.
package table

import (
	"fmt"
	"math/rand"

	"github.com/hupe1980/embedbag/rowcodec"
)

// Location describes where a table's rows reside and whether lookups go
// through the row cache.
type Location uint8

const (
	// Host keeps rows in ordinary memory; lookups decode directly.
	Host Location = iota
	// Device keeps rows in fast memory; lookups decode directly.
	Device
	// ManagedCaching keeps rows in slow managed memory and promotes hot
	// rows into the shared row cache on access.
	ManagedCaching
)

func (l Location) String() string {
	switch l {
	case Host:
		return "host"
	case Device:
		return "device"
	case ManagedCaching:
		return "managed_caching"
	default:
		return fmt.Sprintf("location(%d)", uint8(l))
	}
}

// Cached reports whether lookups on this location consult the row cache.
func (l Location) Cached() bool { return l == ManagedCaching }

// Spec describes one embedding table. Immutable after construction.
type Spec struct {
	Name     string
	Rows     int // E
	Dim      int // D
	Format   rowcodec.Format
	Location Location
}

// Validate rejects malformed specs, in particular dimensions that violate
// the format's packing alignment.
func (s Spec) Validate() error {
	if s.Rows <= 0 {
		return fmt.Errorf("table %q: invalid row count %d", s.Name, s.Rows)
	}
	if s.Location > ManagedCaching {
		return fmt.Errorf("table %q: invalid location %d", s.Name, uint8(s.Location))
	}
	if _, err := rowcodec.RowBytes(s.Format, s.Dim); err != nil {
		return fmt.Errorf("table %q: %w", s.Name, err)
	}
	return nil
}

// Table is a spec plus its backing storage.
type Table struct {
	spec   Spec
	stride int
	data   []byte
}

// New allocates zeroed storage for spec.
func New(spec Spec) (*Table, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	stride, _ := rowcodec.RowBytes(spec.Format, spec.Dim)
	return &Table{
		spec:   spec,
		stride: stride,
		data:   make([]byte, spec.Rows*stride),
	}, nil
}

// Spec returns the table's immutable specification.
func (t *Table) Spec() Spec { return t.spec }

// Stride returns the encoded byte length of one row.
func (t *Table) Stride() int { return t.stride }

// Data exposes the raw backing buffer (split-weights access). Rows are laid
// out consecutively at Stride() intervals.
func (t *Table) Data() []byte { return t.data }

// Row returns the encoded bytes of one physical row.
func (t *Table) Row(row int64) ([]byte, error) {
	if row < 0 || row >= int64(t.spec.Rows) {
		return nil, fmt.Errorf("table %q: physical row %d out of range [0, %d)", t.spec.Name, row, t.spec.Rows)
	}
	off := row * int64(t.stride)
	return t.data[off : off+int64(t.stride) : off+int64(t.stride)], nil
}

// DecodeRow decodes one physical row into dst, which must have length Dim.
func (t *Table) DecodeRow(dst []float32, row int64) error {
	raw, err := t.Row(row)
	if err != nil {
		return err
	}
	return rowcodec.DecodeInto(dst, raw, t.spec.Format)
}

// SetRow encodes values into the table's storage at the given physical row.
func (t *Table) SetRow(row int64, values []float32) error {
	raw, err := t.Row(row)
	if err != nil {
		return err
	}
	return rowcodec.EncodeInto(raw, values, t.spec.Format)
}

// AssignRow copies pre-encoded row bytes into place. The length must match
// the table's stride exactly.
func (t *Table) AssignRow(row int64, raw []byte) error {
	dst, err := t.Row(row)
	if err != nil {
		return err
	}
	if len(raw) != t.stride {
		return &rowcodec.ErrFormatMismatch{Format: t.spec.Format, Dim: t.spec.Dim, Want: t.stride, Got: len(raw)}
	}
	copy(dst, raw)
	return nil
}

// ScaleBias returns the trailing (scale, bias) pair of an integer-format
// row.
func (t *Table) ScaleBias(row int64) (scale, bias float32, err error) {
	raw, err := t.Row(row)
	if err != nil {
		return 0, 0, err
	}
	return rowcodec.ScaleBias(raw, t.spec.Format, t.spec.Dim)
}

// FillRandom populates every row with uniform values in [0, 1), encoded
// through the table's format. Deterministic for a given seed; parity
// fixtures rely on two identically-seeded tables holding identical bytes.
func (t *Table) FillRandom(seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	row := make([]float32, t.spec.Dim)
	for r := 0; r < t.spec.Rows; r++ {
		for i := range row {
			row[i] = rng.Float32()
		}
		if err := t.SetRow(int64(r), row); err != nil {
			return err
		}
	}
	return nil
}

// FillIntegerPattern writes deterministic small-integer rows with scale=1,
// bias=0 to integer-format tables, making decode exactly reproduce the
// stored codes. Row r element i holds (r + i) modulo the code range.
func (t *Table) FillIntegerPattern() error {
	if !t.spec.Format.HasScaleBias() {
		return fmt.Errorf("table %q: integer pattern requires an integer format, have %s", t.spec.Name, t.spec.Format)
	}
	levels := int(1)<<t.spec.Format.BitRate() - 1
	row := make([]float32, t.spec.Dim)
	for r := 0; r < t.spec.Rows; r++ {
		for i := range row {
			row[i] = float32((r + i) % (levels + 1))
		}
		raw, err := t.Row(int64(r))
		if err != nil {
			return err
		}
		packTrusted(raw, row, t.spec.Format.BitRate())
		if err := rowcodec.PutScaleBias(raw, t.spec.Format, t.spec.Dim, 1, 0); err != nil {
			return err
		}
	}
	return nil
}

// packTrusted packs already-in-range codes low-order bits first.
func packTrusted(dst []byte, codes []float32, bits int) {
	packed := dst[:len(dst)-rowcodec.ScaleBiasBytes]
	for i := range packed {
		packed[i] = 0
	}
	perByte := 8 / bits
	for i, v := range codes {
		shift := uint((i % perByte) * bits)
		packed[i/perByte] |= byte(v) << shift
	}
}
