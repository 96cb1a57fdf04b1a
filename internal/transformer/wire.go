package transformer

import (
	"encoding/binary"
	"math"

	"github.com/dllama-go/dllama/internal/quant"
)

// encodeFloats writes src as little-endian float32 bytes into dst.
func encodeFloats(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(v))
	}
}

// decodeFloats reads little-endian float32 bytes from src into dst.
func decodeFloats(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4 : i*4+4]))
	}
}

// Quantize converts the float companion of a _Q buffer into its
// quantized wire form (a no-op when bufferFloatType == F32, since the two
// views already alias the same storage — spec.md §3).
func (b *Buffer) Quantize(name BufferName, nThreads, threadIndex int) error {
	if b.bufferFloatType == quant.F32 {
		return nil
	}
	companion := name.floatCompanion()
	return quant.QuantizeRow(b.bufferFloatType, b.bufs[companion].float, b.bufs[name].quantized, len(b.bufs[companion].float), nThreads, threadIndex)
}

// Dequantize is the inverse of Quantize: it fills the float companion of
// a _Q buffer from its quantized wire form (a no-op when
// bufferFloatType == F32).
func (b *Buffer) Dequantize(name BufferName, nThreads, threadIndex int) error {
	if b.bufferFloatType == quant.F32 {
		return nil
	}
	companion := name.floatCompanion()
	return quant.DequantizeRow(b.bufferFloatType, b.bufs[name].quantized, b.bufs[companion].float, len(b.bufs[companion].float), nThreads, threadIndex)
}

// WireBytesUnit returns the bytes that should travel over the wire for a
// UNIT_* buffer: its quantized companion's bytes, or — when
// bufferFloatType == F32 — a freshly LE-encoded view of the float buffer
// (there is no standing byte allocation to alias in that case).
func (b *Buffer) WireBytesUnit(name BufferName) []byte {
	if b.bufferFloatType != quant.F32 {
		return b.GetUnitBytes(quantCompanion(name))
	}
	f := b.GetUnit(name)
	out := make([]byte, len(f)*4)
	encodeFloats(out, f)
	return out
}

// ReadWireBytesUnit is the receive-side counterpart of WireBytesUnit.
func (b *Buffer) ReadWireBytesUnit(name BufferName, data []byte) {
	if b.bufferFloatType != quant.F32 {
		copy(b.GetUnitBytes(quantCompanion(name)), data)
		return
	}
	decodeFloats(b.GetUnit(name), data)
}

// WireBytesSliced is the SLICED_* counterpart of WireBytesUnit for one
// slice's piece.
func (b *Buffer) WireBytesSliced(name BufferName, sliceIndex int) []byte {
	if b.bufferFloatType != quant.F32 {
		return b.GetSlicedBytes(quantCompanion(name), sliceIndex)
	}
	f := b.GetSliced(name, sliceIndex)
	out := make([]byte, len(f)*4)
	encodeFloats(out, f)
	return out
}

// ReadWireBytesSliced is the receive-side counterpart for one slice.
func (b *Buffer) ReadWireBytesSliced(name BufferName, sliceIndex int, data []byte) {
	if b.bufferFloatType != quant.F32 {
		copy(b.GetSlicedBytes(quantCompanion(name), sliceIndex), data)
		return
	}
	decodeFloats(b.GetSliced(name, sliceIndex), data)
}

// SlicedPieceWireLen returns the number of bytes one slice's piece of a
// SLICED_* buffer occupies on the wire.
func (b *Buffer) SlicedPieceWireLen(name BufferName) int {
	companion := name.floatCompanion()
	total := b.slicedTotal[companion]
	pieceSize := total / b.nSlices
	if b.bufferFloatType == quant.F32 {
		return pieceSize * 4
	}
	n, _ := quant.RowBytes(b.bufferFloatType, pieceSize)
	return n
}

// UnitWireLen returns the number of bytes a UNIT_* buffer occupies on
// the wire.
func (b *Buffer) UnitWireLen(name BufferName) int {
	companion := name.floatCompanion()
	size := b.unitSize[companion]
	if b.bufferFloatType == quant.F32 {
		return size * 4
	}
	n, _ := quant.RowBytes(b.bufferFloatType, size)
	return n
}

// quantCompanion returns the _Q buffer paired with a float buffer name
// (the inverse of floatCompanion); name may already be a _Q buffer.
func quantCompanion(name BufferName) BufferName {
	if name.isQuantized() {
		return name
	}
	switch name {
	case UnitXB:
		return UnitXBQ
	case SlicedXB2:
		return SlicedXB2Q
	case SlicedQ:
		return SlicedQQ
	case SlicedK:
		return SlicedKQ
	case SlicedV:
		return SlicedVQ
	case SlicedHB:
		return SlicedHBQ
	default:
		return name
	}
}
