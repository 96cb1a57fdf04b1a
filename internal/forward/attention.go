package forward

import (
	"math"

	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/transformer"
)

// MultiheadAttention runs the root-only attention task (spec.md §4.7
// task 9, §4.8): it applies rotary to the just-merged Q/K, stores the
// current position's K/V into the per-layer cache, computes per-head
// softmax attention over positions [0,pos], and writes the result into
// UNIT_XB.
func MultiheadAttention(t *transformer.Transformer, block *transformer.Block, spec *modelspec.ModelSpec) {
	dim := spec.Dim
	kvDim := spec.KvDim()
	headSize := spec.HeadSize()
	kvMul := spec.NHeads / spec.NKvHeads
	pos := t.Pos

	q := t.Buffer.GetSlicedFull(transformer.SlicedQ)
	k := t.Buffer.GetSlicedFull(transformer.SlicedK)
	v := t.Buffer.GetSlicedFull(transformer.SlicedV)

	Rotary(q, k, pos, dim, kvDim, headSize, spec.RopeTheta)

	copy(block.KeyAt(pos, kvDim), k[:kvDim])
	copy(block.ValueAt(pos, kvDim), v[:kvDim])

	xb := t.Buffer.GetUnit(transformer.UnitXB)
	scale := float32(1.0 / math.Sqrt(float64(headSize)))

	for h := 0; h < spec.NHeads; h++ {
		qh := q[h*headSize : (h+1)*headSize]
		kvHead := h / kvMul
		att := block.AttRow(h, spec.SeqLen)

		for tpos := 0; tpos <= pos; tpos++ {
			kt := block.KeyAt(tpos, kvDim)[kvHead*headSize : (kvHead+1)*headSize]
			var dot float32
			for j := 0; j < headSize; j++ {
				dot += qh[j] * kt[j]
			}
			att[tpos] = dot * scale
		}
		Softmax(att, pos+1)

		out := xb[h*headSize : (h+1)*headSize]
		for j := range out {
			out[j] = 0
		}
		for tpos := 0; tpos <= pos; tpos++ {
			vt := block.ValueAt(tpos, kvDim)[kvHead*headSize : (kvHead+1)*headSize]
			w := att[tpos]
			for j := 0; j < headSize; j++ {
				out[j] += w * vt[j]
			}
		}
	}
}
