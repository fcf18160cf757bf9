package embedbag

import (
	"errors"
	"fmt"

	"github.com/hupe1980/embedbag/lookup"
	"github.com/hupe1980/embedbag/remap"
	"github.com/hupe1980/embedbag/rowcodec"
)

var (
	// ErrMalformedBatch is returned when a request's offsets and indices do
	// not describe a consistent set of bags.
	ErrMalformedBatch = errors.New("malformed batch")
)

// ErrFormatMismatch indicates row bytes inconsistent with a table's declared
// format and dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrFormatMismatch struct {
	Format string
	Dim    int
	Want   int
	Got    int
	cause  error
}

func (e *ErrFormatMismatch) Error() string {
	return fmt.Sprintf("format mismatch: %s dim %d wants %d bytes, got %d", e.Format, e.Dim, e.Want, e.Got)
}

func (e *ErrFormatMismatch) Unwrap() error { return e.cause }

// ErrUnsupportedIndexWidth indicates a logical index too wide for the
// configured remapping mode.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrUnsupportedIndexWidth struct {
	Index int64
	cause error
}

func (e *ErrUnsupportedIndexWidth) Error() string {
	return fmt.Sprintf("unsupported index width: %d", e.Index)
}

func (e *ErrUnsupportedIndexWidth) Unwrap() error { return e.cause }

// ErrIndexOutOfRange indicates a logical index outside a table's row range.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrIndexOutOfRange struct {
	Table string
	Index int64
	Rows  int
	cause error
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("table %q: index %d out of range [0, %d)", e.Table, e.Index, e.Rows)
}

func (e *ErrIndexOutOfRange) Unwrap() error { return e.cause }

// ErrPoolingShape indicates batch shapes the pooling mode cannot satisfy.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrPoolingShape struct {
	Table string
	Dim   int
	Want  int
	cause error
}

func (e *ErrPoolingShape) Error() string {
	return fmt.Sprintf("pooling shape: table %q has dimension %d, want %d", e.Table, e.Dim, e.Want)
}

func (e *ErrPoolingShape) Unwrap() error { return e.cause }

// ErrInvalidPoolingConfig indicates per-index weights combined with a
// pooling mode that cannot honor them.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidPoolingConfig struct {
	Pooling Pooling
	cause   error
}

func (e *ErrInvalidPoolingConfig) Error() string {
	return fmt.Sprintf("invalid pooling config: weights not supported under %s", e.Pooling)
}

func (e *ErrInvalidPoolingConfig) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, lookup.ErrMalformedBatch) {
		return fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}

	var fm *rowcodec.ErrFormatMismatch
	if errors.As(err, &fm) {
		return &ErrFormatMismatch{Format: fm.Format.String(), Dim: fm.Dim, Want: fm.Want, Got: fm.Got, cause: err}
	}
	var iw *remap.ErrUnsupportedIndexWidth
	if errors.As(err, &iw) {
		return &ErrUnsupportedIndexWidth{Index: iw.Index, cause: err}
	}
	var oor *lookup.ErrIndexOutOfRange
	if errors.As(err, &oor) {
		return &ErrIndexOutOfRange{Table: oor.Table, Index: oor.Index, Rows: oor.Rows, cause: err}
	}
	var ps *lookup.ErrPoolingShape
	if errors.As(err, &ps) {
		return &ErrPoolingShape{Table: ps.Table, Dim: ps.Dim, Want: ps.Want, cause: err}
	}
	var pc *lookup.ErrInvalidPoolingConfig
	if errors.As(err, &pc) {
		return &ErrInvalidPoolingConfig{Pooling: pc.Mode, cause: err}
	}

	return err
}
