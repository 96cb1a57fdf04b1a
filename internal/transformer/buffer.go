// Package transformer holds the per-layer and per-pass state of spec.md
// §3: TransformerBlock, Transformer, and the named scratch buffers of
// TransformerBuffer (§4.4).
package transformer

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/quant"
)

// BufferName identifies one of the named inter-task scratch buffers.
// The authoritative set is fixed by spec.md §4.4.
type BufferName int

const (
	UnitXB BufferName = iota
	UnitXBQ
	SlicedXB2
	SlicedXB2Q
	SlicedQ
	SlicedQQ
	SlicedK
	SlicedKQ
	SlicedV
	SlicedVQ
	SlicedHB
	SlicedHBQ
	numBufferNames
)

func (n BufferName) String() string {
	names := [numBufferNames]string{
		"UNIT_XB", "UNIT_XB_Q", "SLICED_XB2", "SLICED_XB2_Q",
		"SLICED_Q", "SLICED_Q_Q", "SLICED_K", "SLICED_K_Q",
		"SLICED_V", "SLICED_V_Q", "SLICED_HB", "SLICED_HB_Q",
	}
	if int(n) < 0 || int(n) >= len(names) {
		return fmt.Sprintf("BufferName(%d)", int(n))
	}
	return names[n]
}

// isSliced reports whether a buffer is logically concatenated from
// nSlices equal pieces rather than being a single shared unit vector.
func (n BufferName) isSliced() bool {
	switch n {
	case SlicedXB2, SlicedXB2Q, SlicedQ, SlicedQQ, SlicedK, SlicedKQ, SlicedV, SlicedVQ, SlicedHB, SlicedHBQ:
		return true
	default:
		return false
	}
}

// isQuantized reports whether a buffer is the quantized companion of a
// float buffer (the "_Q" suffixed names).
func (n BufferName) isQuantized() bool {
	switch n {
	case UnitXBQ, SlicedXB2Q, SlicedQQ, SlicedKQ, SlicedVQ, SlicedHBQ:
		return true
	default:
		return false
	}
}

// floatCompanion returns the float buffer a _Q buffer is paired with.
func (n BufferName) floatCompanion() BufferName {
	switch n {
	case UnitXBQ:
		return UnitXB
	case SlicedXB2Q:
		return SlicedXB2
	case SlicedQQ:
		return SlicedQ
	case SlicedKQ:
		return SlicedK
	case SlicedVQ:
		return SlicedV
	case SlicedHBQ:
		return SlicedHB
	default:
		return n
	}
}

// buffer holds one named scratch: a float view, sized in source-float
// units, and — when bufferFloatType != F32 — its own quantized-variant
// byte allocation. When bufferFloatType == F32 the quantized variant
// aliases the float variant (spec.md §3), so no second allocation is
// made; Tagged/DType design notes (§9) collapse to this simple case
// because F32 is the only alias-eligible dtype in this codec.
type buffer struct {
	float     []float32
	quantized []byte
}

// Buffer is the full named set of inter-task scratch buffers for one
// node's forward pass. Contents are overwritten every task and carry no
// inter-token state.
type Buffer struct {
	nSlices         int
	bufferFloatType quant.DType
	unitSize        map[BufferName]int // size of UNIT_* buffers, in float units
	slicedTotal     map[BufferName]int // total size of SLICED_* buffers across all slices
	bufs            map[BufferName]*buffer
}

// NewBuffer allocates every named buffer for a model of the given
// dimensions. hiddenDim must already account for nActiveExperts when the
// model is MoE (spec.md §4.4: HB = hiddenDim or hiddenDim*nActiveExperts).
func NewBuffer(dim, kvDim, hiddenDim, nSlices int, bufferFloatType quant.DType) (*Buffer, error) {
	if dim%nSlices != 0 {
		return nil, fmt.Errorf("transformer: dim %d not divisible by nSlices %d (required for shared sliced scratches)", dim, nSlices)
	}

	b := &Buffer{
		nSlices:         nSlices,
		bufferFloatType: bufferFloatType,
		unitSize: map[BufferName]int{
			UnitXB: dim,
		},
		slicedTotal: map[BufferName]int{
			SlicedXB2: dim,
			SlicedQ:   dim,
			SlicedK:   kvDim,
			SlicedV:   kvDim,
			SlicedHB:  hiddenDim,
		},
		bufs: make(map[BufferName]*buffer, numBufferNames),
	}

	for name, size := range b.unitSize {
		b.bufs[name] = &buffer{float: make([]float32, size)}
	}
	for name, size := range b.slicedTotal {
		b.bufs[name] = &buffer{float: make([]float32, size)}
	}

	for _, name := range []BufferName{UnitXBQ, SlicedXB2Q, SlicedQQ, SlicedKQ, SlicedVQ, SlicedHBQ} {
		companion := name.floatCompanion()
		if bufferFloatType == quant.F32 {
			// Alias: share storage with the float companion, no second
			// allocation (spec.md §3).
			b.bufs[name] = b.bufs[companion]
			continue
		}
		var size int
		if name.isSliced() {
			size = b.slicedTotal[companion]
		} else {
			size = b.unitSize[companion]
		}
		nBytes, err := quant.RowBytes(bufferFloatType, size)
		if err != nil {
			return nil, fmt.Errorf("transformer: sizing %s: %w", name, err)
		}
		b.bufs[name] = &buffer{quantized: make([]byte, nBytes)}
	}

	return b, nil
}

// GetUnit returns the float view of a UNIT_* buffer.
func (b *Buffer) GetUnit(name BufferName) []float32 {
	return b.bufs[name].float
}

// GetUnitBytes returns the quantized-companion byte view of a UNIT_*
// buffer. If bufferFloatType == F32, callers should use GetUnit directly
// instead — this returns nil, since no byte encoding exists.
func (b *Buffer) GetUnitBytes(name BufferName) []byte {
	return b.bufs[name].quantized
}

// GetSliced returns the float view of one slice's piece of a SLICED_*
// buffer. Pieces are uniform: totalSize/nSlices elements each.
func (b *Buffer) GetSliced(name BufferName, sliceIndex int) []float32 {
	total := b.slicedTotal[name.floatCompanion()]
	pieceSize := total / b.nSlices
	full := b.bufs[name].float
	return full[sliceIndex*pieceSize : (sliceIndex+1)*pieceSize]
}

// GetSlicedFull returns the full concatenated float view of a SLICED_*
// buffer, valid only after a gather/broadcastMissing has filled every
// slice's piece.
func (b *Buffer) GetSlicedFull(name BufferName) []float32 {
	return b.bufs[name].float
}

// GetSlicedBytes returns the quantized-companion byte view of one
// slice's piece of a SLICED_* buffer.
func (b *Buffer) GetSlicedBytes(name BufferName, sliceIndex int) []byte {
	companion := name.floatCompanion()
	if b.bufferFloatType == quant.F32 {
		// Aliased: no byte form exists; the caller must branch on
		// bufferFloatType == F32 and use GetSliced instead.
		return nil
	}
	total := b.slicedTotal[companion]
	pieceSize := total / b.nSlices
	blockBytes, _ := quant.RowBytes(b.bufferFloatType, pieceSize)
	full := b.bufs[name].quantized
	return full[sliceIndex*blockBytes : (sliceIndex+1)*blockBytes]
}

// GetSlicedBytesFull returns the full concatenated quantized byte view.
func (b *Buffer) GetSlicedBytesFull(name BufferName) []byte {
	return b.bufs[name].quantized
}
