package forward

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/matmul"
	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/slicing"
	"github.com/dllama-go/dllama/internal/transformer"
)

func encodeRows(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func projectionSlice(t *testing.T, weightType quant.DType, n, d int, weights []float32) transformer.ProjectionSlice {
	t.Helper()
	slice, err := slicing.NewMatmulSlice(weightType, 1, n, d, []int{1})
	require.NoError(t, err)
	return transformer.ProjectionSlice{Slice: slice, Bytes: encodeRows(weights)}
}

// TestComputeFfnExpertAppliesGateThenActivation checks HB = silu(W1*in) *
// (W3*in) against a hand-checked 2x2 example (spec.md §4.7).
func TestComputeFfnExpertAppliesGateThenActivation(t *testing.T) {
	up := projectionSlice(t, quant.F32, 2, 2, []float32{1, 0, 0, 1})
	gate := projectionSlice(t, quant.F32, 2, 2, []float32{1, 1, 1, 1})

	tr := &transformer.Transformer{
		Spec:       &modelspec.ModelSpec{BufferFloatType: quant.F32},
		SliceIndex: 0,
	}
	in := matmul.Activation{Float: []float32{1, 2}}
	dst := make([]float32, 2)
	gateScratch := make([]float32, 2)

	require.NoError(t, computeFfnExpert(tr, up, gate, in, dst, gateScratch, 1, 0))

	silu := func(x float64) float64 { return x / (1 + math.Exp(-x)) }
	want := []float32{float32(silu(1) * 3), float32(silu(2) * 3)}
	for i := range want {
		assert.InDelta(t, want[i], dst[i], 1e-4)
	}
}

// TestComputeFfnExpertThreadedMatchesSingleThread checks the per-thread
// row split doesn't change the result.
func TestComputeFfnExpertThreadedMatchesSingleThread(t *testing.T) {
	n, d := 4, 8
	upVals := make([]float32, n*d)
	gateVals := make([]float32, n*d)
	for i := range upVals {
		upVals[i] = float32(i%5) - 2
		gateVals[i] = float32(i%3) - 1
	}
	up := projectionSlice(t, quant.F32, n, d, upVals)
	gate := projectionSlice(t, quant.F32, n, d, gateVals)
	tr := &transformer.Transformer{Spec: &modelspec.ModelSpec{BufferFloatType: quant.F32}, SliceIndex: 0}
	in := matmul.Activation{Float: []float32{1, -1, 2, 0.5}}

	single := make([]float32, d)
	require.NoError(t, computeFfnExpert(tr, up, gate, in, single, make([]float32, d), 1, 0))

	const nThreads = 4
	threaded := make([]float32, d)
	scratch := make([]float32, d)
	for i := 0; i < nThreads; i++ {
		require.NoError(t, computeFfnExpert(tr, up, gate, in, threaded, scratch, nThreads, i))
	}
	for i := range single {
		assert.InDelta(t, single[i], threaded[i], 1e-4)
	}
}

func TestTopKIndexesPicksLargest(t *testing.T) {
	logits := []float32{0.1, 0.9, 0.4, 0.7}
	got := topKIndexes(logits, 2)
	assert.ElementsMatch(t, []int{1, 3}, got)
}

func TestTopKIndexesFullWidth(t *testing.T) {
	logits := []float32{3, 1, 2}
	got := topKIndexes(logits, 3)
	assert.ElementsMatch(t, []int{0, 1, 2}, got)
}

// TestRouteExpertsSelectsTopAndSoftmaxWeights checks that routeExperts
// picks the router's top-NActiveExperts columns and returns softmax
// weights summing to one.
func TestRouteExpertsSelectsTopAndSoftmaxWeights(t *testing.T) {
	dim, nExperts := 2, 3
	buf, err := transformer.NewBuffer(dim, dim, dim, 1, quant.F32)
	require.NoError(t, err)
	copy(buf.GetUnit(transformer.UnitXB), []float32{1, 1})

	// router[e] . xb: expert 0 -> 1+0=1, expert 1 -> 2+2=4, expert 2 -> 0+1=1
	router := projectionSlice(t, quant.F32, dim, nExperts, []float32{
		1, 0,
		2, 2,
		0, 1,
	})

	tr := &transformer.Transformer{
		Spec:   &modelspec.ModelSpec{NExperts: nExperts, NActiveExperts: 2},
		Buffer: buf,
	}
	block := &transformer.Block{Router: router}

	indexes, weights, err := routeExperts(tr, block)
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Contains(t, indexes, 1) // expert 1 has the largest logit (4)
	assert.Len(t, weights, 2)
	var sum float32
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}
