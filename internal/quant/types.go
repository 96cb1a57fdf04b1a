// Package quant implements the Q4_0/Q8_0 block quantization codecs and
// the F16 scalar conversions they're built on (spec.md §4.1).
package quant

import "fmt"

// DType identifies a tensor's on-wire element format. Only the values
// below are recognized anywhere in the pipeline; any other value fails
// with UnsupportedDType at the boundary that sees it.
type DType uint8

const (
	F32 DType = iota
	F16
	Q4_0
	Q8_0
)

// BlockSize is the number of source floats per quantized block.
const BlockSize = 32

func (t DType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case Q4_0:
		return "Q4_0"
	case Q8_0:
		return "Q8_0"
	default:
		return fmt.Sprintf("DType(%d)", uint8(t))
	}
}

// ParseDType maps a CLI/config string (case-insensitive) to its DType,
// for the --weights-dtype/--buffer-dtype flags in cmd/.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32", "f32":
		return F32, nil
	case "F16", "f16":
		return F16, nil
	case "Q4_0", "q4_0":
		return Q4_0, nil
	case "Q8_0", "q8_0":
		return Q8_0, nil
	default:
		return 0, fmt.Errorf("quant: unrecognized dtype %q", s)
	}
}

// IsBlocked reports whether t is stored as BlockSize-element blocks with
// a per-block scale, as opposed to one value per element.
func (t DType) IsBlocked() bool {
	return t == Q4_0 || t == Q8_0
}

// BytesPerBlock is the on-wire size of one quantized block, scale
// included. Only meaningful for blocked dtypes.
func (t DType) BytesPerBlock() int {
	switch t {
	case Q4_0:
		return 2 + BlockSize/2
	case Q8_0:
		return 2 + BlockSize
	default:
		return 0
	}
}

// ElemBytes is the on-wire size of a single element for non-blocked
// dtypes.
func (t DType) ElemBytes() int {
	switch t {
	case F32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

// RowBytes returns the number of bytes needed to store n elements of
// dtype t, honoring the block layout for blocked dtypes. n must be a
// multiple of BlockSize for blocked dtypes.
func RowBytes(t DType, n int) (int, error) {
	switch {
	case t.IsBlocked():
		if n%BlockSize != 0 {
			return 0, fmt.Errorf("quant: RowBytes: n=%d not a multiple of block size %d for %s", n, BlockSize, t)
		}
		return (n / BlockSize) * t.BytesPerBlock(), nil
	case t == F32, t == F16:
		return n * t.ElemBytes(), nil
	default:
		return 0, fmt.Errorf("quant: RowBytes: %w", &unsupportedDType{t})
	}
}

// BatchBytes is the per-copy-unit granularity used by splitWeights: one
// quant block for blocked dtypes, one scalar element otherwise.
func BatchBytes(t DType) int {
	if t.IsBlocked() {
		return t.BytesPerBlock()
	}
	return t.ElemBytes()
}

// BatchesFor returns how many copy batches n elements occupy.
func BatchesFor(t DType, n int) int {
	if t.IsBlocked() {
		return n / BlockSize
	}
	return n
}

type unsupportedDType struct{ t DType }

func (e *unsupportedDType) Error() string { return fmt.Sprintf("unsupported dtype %s", e.t) }
