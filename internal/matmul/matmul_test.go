package matmul

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/quant"
)

func encodeF32Row(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func TestComputeF32F32(t *testing.T) {
	// W is 2x4, in is length 4: a hand-checkable dot product.
	n, d := 4, 2
	w := encodeF32Row([]float32{
		1, 0, 0, 0,
		0, 1, 1, 1,
	})
	in := Activation{Float: []float32{2, 3, 4, 5}}
	out := make([]float32, d)
	require.NoError(t, Compute(quant.F32, quant.F32, out, in, w, d, n, 1, 0))
	assert.Equal(t, []float32{2, 12}, out)
}

func TestComputeF16F32MatchesF32Reference(t *testing.T) {
	n, d := 32, 3
	vals := make([]float32, d*n)
	for i := range vals {
		vals[i] = float32(i%7) - 3
	}
	inVals := make([]float32, n)
	for i := range inVals {
		inVals[i] = float32(i%5) - 2
	}
	wF32 := encodeF32Row(vals)
	wF16 := make([]byte, len(vals)*2)
	quant.QuantizeRowF16(vals, wF16, len(vals))

	in := Activation{Float: inVals}
	outF32 := make([]float32, d)
	outF16 := make([]float32, d)
	require.NoError(t, Compute(quant.F32, quant.F32, outF32, in, wF32, d, n, 1, 0))
	require.NoError(t, Compute(quant.F16, quant.F32, outF16, in, wF16, d, n, 1, 0))

	for i := range outF32 {
		assert.InDelta(t, outF32[i], outF16[i], 0.05, "row %d", i)
	}
}

func TestComputeQ4_0F32ApproximatesF32Reference(t *testing.T) {
	n, d := quant.BlockSize*2, 2
	vals := make([]float32, d*n)
	for i := range vals {
		vals[i] = float32(i%9)/2 - 2
	}
	inVals := make([]float32, n)
	for i := range inVals {
		inVals[i] = float32(i%4) - 1.5
	}

	wF32 := encodeF32Row(vals)
	wQ40 := make([]byte, d*(n/quant.BlockSize)*quant.Q4_0.BytesPerBlock())
	for r := 0; r < d; r++ {
		require.NoError(t, quant.QuantizeRowQ4_0(vals[r*n:(r+1)*n], wQ40[r*(n/quant.BlockSize)*quant.Q4_0.BytesPerBlock():(r+1)*(n/quant.BlockSize)*quant.Q4_0.BytesPerBlock()], n, 1, 0))
	}

	in := Activation{Float: inVals}
	outF32 := make([]float32, d)
	outQ40 := make([]float32, d)
	require.NoError(t, Compute(quant.F32, quant.F32, outF32, in, wF32, d, n, 1, 0))
	require.NoError(t, Compute(quant.Q4_0, quant.F32, outQ40, in, wQ40, d, n, 1, 0))

	for i := range outF32 {
		assert.InDelta(t, outF32[i], outQ40[i], 1.0, "row %d", i)
	}
}

func TestComputeQ4_0Q8_0ApproximatesQ4_0F32(t *testing.T) {
	n, d := quant.BlockSize*2, 2
	vals := make([]float32, d*n)
	for i := range vals {
		vals[i] = float32(i%11)/3 - 1.5
	}
	inVals := make([]float32, n)
	for i := range inVals {
		inVals[i] = float32(i%6) - 2.5
	}

	rowBytes := (n / quant.BlockSize) * quant.Q4_0.BytesPerBlock()
	wQ40 := make([]byte, d*rowBytes)
	for r := 0; r < d; r++ {
		require.NoError(t, quant.QuantizeRowQ4_0(vals[r*n:(r+1)*n], wQ40[r*rowBytes:(r+1)*rowBytes], n, 1, 0))
	}

	inQ80 := make([]byte, (n/quant.BlockSize)*quant.Q8_0.BytesPerBlock())
	require.NoError(t, quant.QuantizeRowQ8_0(inVals, inQ80, n, 1, 0))

	outF32In := make([]float32, d)
	require.NoError(t, Compute(quant.Q4_0, quant.F32, outF32In, Activation{Float: inVals}, wQ40, d, n, 1, 0))

	outQ80In := make([]float32, d)
	require.NoError(t, Compute(quant.Q4_0, quant.Q8_0, outQ80In, Activation{Quantized: inQ80}, wQ40, d, n, 1, 0))

	for i := range outF32In {
		assert.InDelta(t, outF32In[i], outQ80In[i], 0.5, "row %d", i)
	}
}

func TestComputeThreadedMatchesSingleThread(t *testing.T) {
	n, d := 8, 16
	vals := make([]float32, d*n)
	for i := range vals {
		vals[i] = float32(i%13) - 6
	}
	inVals := make([]float32, n)
	for i := range inVals {
		inVals[i] = float32(i) - 3
	}
	w := encodeF32Row(vals)
	in := Activation{Float: inVals}

	single := make([]float32, d)
	require.NoError(t, Compute(quant.F32, quant.F32, single, in, w, d, n, 1, 0))

	const nThreads = 4
	threaded := make([]float32, d)
	for i := 0; i < nThreads; i++ {
		require.NoError(t, Compute(quant.F32, quant.F32, threaded, in, w, d, n, nThreads, i))
	}
	assert.Equal(t, single, threaded)
}

func TestComputeUnsupportedPair(t *testing.T) {
	err := Compute(quant.F16, quant.Q8_0, nil, Activation{}, nil, 0, 0, 1, 0)
	assert.Error(t, err)
}
