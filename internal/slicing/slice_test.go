package slicing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/quant"
)

func TestNewMatmulSliceUniform(t *testing.T) {
	s, err := NewMatmulSlice(quant.F32, 3, 8, 9, UniformWeights(3))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3}, s.DSliced)
	assert.Equal(t, []int{0, 3, 6}, s.DIndex)
}

func TestNewMatmulSliceRemainderGoesToLastSlice(t *testing.T) {
	// d=10 over 3 slices of equal weight: floor(10/3)=3 for the first two,
	// the last absorbs the remainder (spec.md §4.3).
	s, err := NewMatmulSlice(quant.F32, 3, 4, 10, UniformWeights(3))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 4}, s.DSliced)
	assert.Equal(t, 10, s.DSliced[0]+s.DSliced[1]+s.DSliced[2])
}

func TestNewMatmulSliceNonUniformWeights(t *testing.T) {
	s, err := NewMatmulSlice(quant.F32, 2, 4, 12, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, s.DSliced[0])
	assert.Equal(t, 9, s.DSliced[1])
}

func TestNewMatmulSliceRejectsBadInput(t *testing.T) {
	_, err := NewMatmulSlice(quant.F32, 0, 4, 12, nil)
	assert.Error(t, err)

	_, err = NewMatmulSlice(quant.F32, 2, 4, 12, []int{1})
	assert.Error(t, err)

	_, err = NewMatmulSlice(quant.F32, 2, 4, 12, []int{0, 0})
	assert.Error(t, err)

	_, err = NewMatmulSlice(quant.F32, 2, 4, 12, []int{-1, 2})
	assert.Error(t, err)
}

func TestSplitWeightsThenMergeOutputsRoundTrips(t *testing.T) {
	n, d, nSlices := 4, 6, 3
	s, err := NewMatmulSlice(quant.F32, nSlices, n, d, UniformWeights(nSlices))
	require.NoError(t, err)

	whole := make([]byte, 0, d*n*4)
	for r := 0; r < d; r++ {
		for c := 0; c < n; c++ {
			whole = append(whole, byte(r*n+c), 0, 0, 0)
		}
	}

	full := make([]float32, d)
	for slice := 0; slice < nSlices; slice++ {
		nb, err := s.SliceBytes(slice)
		require.NoError(t, err)
		dst := make([]byte, nb)
		copied, err := s.SplitWeights(slice, whole, dst)
		require.NoError(t, err)
		assert.Equal(t, nb, copied)

		// Each row's output is a stand-in scalar: the slice's first byte.
		out := make([]float32, s.DSliced[slice])
		for i := range out {
			out[i] = float32(dst[i*n*4])
		}
		_, err = s.MergeOutputs(slice, full, out)
		require.NoError(t, err)
	}

	for r := 0; r < d; r++ {
		assert.Equal(t, float32(r*n), full[r], "output row %d", r)
	}
}

func TestSplitWeightsRejectsShortBuffers(t *testing.T) {
	s, err := NewMatmulSlice(quant.F32, 2, 4, 8, UniformWeights(2))
	require.NoError(t, err)

	_, err = s.SplitWeights(0, make([]byte, 2), make([]byte, 100))
	assert.Error(t, err)

	_, err = s.SplitWeights(0, make([]byte, 1000), make([]byte, 1))
	assert.Error(t, err)
}

func TestMergeOutputsRejectsShortBuffers(t *testing.T) {
	s, err := NewMatmulSlice(quant.F32, 2, 4, 8, UniformWeights(2))
	require.NoError(t, err)

	_, err = s.MergeOutputs(0, make([]float32, 8), make([]float32, 1))
	assert.Error(t, err)

	_, err = s.MergeOutputs(1, make([]float32, 1), make([]float32, 4))
	assert.Error(t, err)
}
