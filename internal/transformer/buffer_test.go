package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/quant"
)

func TestNewBufferF32AliasesQuantized(t *testing.T) {
	b, err := NewBuffer(64, 64, 128, 2, quant.F32)
	require.NoError(t, err)

	xb := b.GetUnit(UnitXB)
	xb[0] = 42
	// With bufferFloatType == F32, the "_Q" companion aliases the float
	// buffer directly rather than holding a separate allocation.
	assert.Nil(t, b.GetUnitBytes(UnitXBQ))
}

func TestNewBufferQuantizedAllocatesSeparateBytes(t *testing.T) {
	b, err := NewBuffer(64, 64, 128, 2, quant.Q8_0)
	require.NoError(t, err)

	xb := b.GetUnit(UnitXB)
	assert.Len(t, xb, 64)
	qBytes := b.GetUnitBytes(UnitXBQ)
	wantBytes, err := quant.RowBytes(quant.Q8_0, 64)
	require.NoError(t, err)
	assert.Len(t, qBytes, wantBytes)
}

func TestNewBufferRejectsDimNotDivisibleByNSlices(t *testing.T) {
	_, err := NewBuffer(65, 64, 128, 4, quant.F32)
	assert.Error(t, err)
}

func TestGetSlicedPartitionsEvenly(t *testing.T) {
	b, err := NewBuffer(64, 64, 128, 4, quant.F32)
	require.NoError(t, err)

	full := b.GetSlicedFull(SlicedXB2)
	for i := range full {
		full[i] = float32(i)
	}
	piece := b.GetSliced(SlicedXB2, 1)
	assert.Len(t, piece, 16)
	assert.Equal(t, float32(16), piece[0])
}

func TestQuantizeDequantizeRoundTrip(t *testing.T) {
	b, err := NewBuffer(64, 64, 128, 1, quant.Q8_0)
	require.NoError(t, err)

	xb := b.GetUnit(UnitXB)
	for i := range xb {
		xb[i] = float32(i%9) - 4
	}
	require.NoError(t, b.Quantize(UnitXBQ, 1, 0))

	// Overwrite the float buffer so Dequantize has to actually reconstruct it.
	for i := range xb {
		xb[i] = 0
	}
	require.NoError(t, b.Dequantize(UnitXBQ, 1, 0))

	for i, v := range xb {
		assert.InDelta(t, float32(i%9)-4, v, 0.2, "element %d", i)
	}
}

func TestWireBytesUnitRoundTripF32(t *testing.T) {
	b, err := NewBuffer(32, 32, 64, 1, quant.F32)
	require.NoError(t, err)

	xb := b.GetUnit(UnitXB)
	for i := range xb {
		xb[i] = float32(i) * 1.5
	}
	wire := b.WireBytesUnit(UnitXB)
	assert.Len(t, wire, b.UnitWireLen(UnitXB))

	other, err := NewBuffer(32, 32, 64, 1, quant.F32)
	require.NoError(t, err)
	other.ReadWireBytesUnit(UnitXB, wire)
	assert.Equal(t, xb, other.GetUnit(UnitXB))
}

func TestWireBytesSlicedRoundTripQuantized(t *testing.T) {
	b, err := NewBuffer(64, 64, 256, 4, quant.Q8_0)
	require.NoError(t, err)

	full := b.GetSlicedFull(SlicedHB)
	for i := range full {
		full[i] = float32(i%11) - 5
	}
	require.NoError(t, b.Quantize(SlicedHBQ, 1, 0))

	wire := b.WireBytesSliced(SlicedHB, 2)
	assert.Len(t, wire, b.SlicedPieceWireLen(SlicedHB))

	other, err := NewBuffer(64, 64, 256, 4, quant.Q8_0)
	require.NoError(t, err)
	other.ReadWireBytesSliced(SlicedHB, 2, wire)
	require.NoError(t, other.Dequantize(SlicedHBQ, 1, 0))

	want := b.GetSliced(SlicedHB, 2)
	got := other.GetSliced(SlicedHB, 2)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 0.3, "element %d", i)
	}
}

func TestBufferNameString(t *testing.T) {
	assert.Equal(t, "UNIT_XB", UnitXB.String())
	assert.Equal(t, "SLICED_HB_Q", SlicedHBQ.String())
	assert.Contains(t, BufferName(999).String(), "BufferName(999)")
}
