package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transformer"
)

// TestMultiheadAttentionSinglePositionReproducesV checks the simplest
// attention invariant: with only one cached position, softmax collapses
// to weight 1 and the output must equal V exactly (rotary at pos=0 is
// the identity rotation, so it doesn't perturb the check).
func TestMultiheadAttentionSinglePositionReproducesV(t *testing.T) {
	dim, nHeads, nKvHeads, seqLen := 4, 2, 2, 4

	buf, err := transformer.NewBuffer(dim, dim, dim, 1, quant.F32)
	require.NoError(t, err)

	q := buf.GetSlicedFull(transformer.SlicedQ)
	k := buf.GetSlicedFull(transformer.SlicedK)
	v := buf.GetSlicedFull(transformer.SlicedV)
	copy(q, []float32{1, 2, 3, 4})
	copy(k, []float32{0.5, 0.5, 0.5, 0.5})
	copy(v, []float32{10, 20, 30, 40})

	block := &transformer.Block{
		KeyCache:   make([]float32, seqLen*dim),
		ValueCache: make([]float32, seqLen*dim),
		Att:        make([]float32, nHeads*seqLen),
	}

	tr := &transformer.Transformer{
		Spec: &modelspec.ModelSpec{
			Dim: dim, NHeads: nHeads, NKvHeads: nKvHeads, SeqLen: seqLen, RopeTheta: 10000,
		},
		Buffer: buf,
		Pos:    0,
	}

	MultiheadAttention(tr, block, tr.Spec)

	out := buf.GetUnit(transformer.UnitXB)
	for i := range v {
		assert.InDelta(t, v[i], out[i], 1e-4, "element %d", i)
	}
}

// TestMultiheadAttentionCachesKV checks that the current position's K/V
// land in the per-layer cache at the right offset for later positions to
// attend over.
func TestMultiheadAttentionCachesKV(t *testing.T) {
	dim, nHeads, nKvHeads, seqLen := 4, 2, 2, 4

	buf, err := transformer.NewBuffer(dim, dim, dim, 1, quant.F32)
	require.NoError(t, err)
	copy(buf.GetSlicedFull(transformer.SlicedK), []float32{1, 2, 3, 4})
	copy(buf.GetSlicedFull(transformer.SlicedV), []float32{5, 6, 7, 8})
	copy(buf.GetSlicedFull(transformer.SlicedQ), []float32{1, 1, 1, 1})

	block := &transformer.Block{
		KeyCache:   make([]float32, seqLen*dim),
		ValueCache: make([]float32, seqLen*dim),
		Att:        make([]float32, nHeads*seqLen),
	}
	tr := &transformer.Transformer{
		Spec:   &modelspec.ModelSpec{Dim: dim, NHeads: nHeads, NKvHeads: nKvHeads, SeqLen: seqLen, RopeTheta: 10000},
		Buffer: buf,
		Pos:    2,
	}

	MultiheadAttention(tr, block, tr.Spec)

	assert.Equal(t, []float32{5, 6, 7, 8}, block.ValueAt(2, dim))
}
