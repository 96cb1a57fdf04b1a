package forward

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/matmul"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transformer"
)

// computeFfn implements task 20 (`ffn`, spec.md §4.7): each node computes
// its own slice of HB = silu(W1·XB) ⊙ (W3·XB) — or the GELU-tanh
// activation for GROK1 — reading the broadcast UNIT_XB set up by
// syncRmfFfn. For a mixture-of-experts block it instead routes through
// the top nActiveExperts experts selected by the router on UNIT_XB and
// writes their weighted contributions into the same HB slice, one
// expert's activeHiddenDim segment at a time (spec.md §3 ModelSpec:
// HB width is hiddenDim*nActiveExperts for MoE).
func computeFfn(t *transformer.Transformer, block *transformer.Block, nThreads, threadIndex int) error {
	spec := t.Spec
	in := activationOf(t, transformer.UnitXB, transformer.UnitXBQ, false)

	if !spec.IsMoE() {
		dst := t.Buffer.GetSliced(transformer.SlicedHB, t.SliceIndex)
		return computeFfnExpert(t, block.W1, block.W3, in, dst, block.Hb2, nThreads, threadIndex)
	}

	indexes, weights, err := routeExperts(t, block)
	if err != nil {
		return fmt.Errorf("forward: ffn: route: %w", err)
	}
	full := t.Buffer.GetSliced(transformer.SlicedHB, t.SliceIndex)
	segLen := len(full) / len(indexes)
	for slot, expertIdx := range indexes {
		expert := block.Experts[expertIdx]
		seg := full[slot*segLen : (slot+1)*segLen]
		if err := computeFfnExpert(t, expert.Up, expert.Gate, in, seg, block.Hb2[:segLen], nThreads, threadIndex); err != nil {
			return err
		}
		w := weights[slot]
		rs, re := threadIndex*len(seg)/nThreads, (threadIndex+1)*len(seg)/nThreads
		for i := rs; i < re; i++ {
			seg[i] *= w
		}
	}
	return nil
}

// computeFfnExpert runs one dense W1/W3-style gate for a single expert
// (or the model's sole dense FFN) into dst, which is already sized to
// this node's output-row slice. gateScratch is the node's persistent
// Block.Hb2 scratch (or a sub-slice of it for MoE), shared across the
// nThreads callers of one task invocation so thread T's gate matmul
// writes are visible to every thread's activation pass after the
// matmul's own internal barrier-free row partitioning.
func computeFfnExpert(t *transformer.Transformer, up, gate transformer.ProjectionSlice, in matmul.Activation, dst, gateScratch []float32, nThreads, threadIndex int) error {
	spec := t.Spec
	sliceIdx := t.SliceIndex

	if err := matmul.Compute(up.Slice.WeightType, spec.BufferFloatType, dst, in, up.Bytes, up.Slice.DSliced[sliceIdx], up.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: ffn: up: %w", err)
	}
	if err := matmul.Compute(gate.Slice.WeightType, spec.BufferFloatType, gateScratch, in, gate.Bytes, gate.Slice.DSliced[sliceIdx], gate.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: ffn: gate: %w", err)
	}

	d0 := len(dst) / nThreads
	s, e := threadIndex*d0, (threadIndex+1)*d0
	for i := s; i < e; i++ {
		dst[i] = Activation(spec.HiddenAct, dst[i]) * gateScratch[i]
	}
	return nil
}

// computeFfn2 implements task 24 (`ffn2`, spec.md §4.7): each node
// computes its own output-row slice of XB2 = W2·HB, reading the full
// broadcast-reconstructed HB set up by syncFfnB (every node holds all
// nSlices pieces after broadcastMissing, so HB is addressed as one full
// buffer here — see DESIGN.md's resolution of the W2-slicing ambiguity).
func computeFfn2(t *transformer.Transformer, block *transformer.Block, nThreads, threadIndex int) error {
	spec := t.Spec
	in := activationOf(t, transformer.SlicedHB, transformer.SlicedHBQ, true)
	sliceIdx := t.SliceIndex

	if !spec.IsMoE() {
		out := t.Buffer.GetSliced(transformer.SlicedXB2, sliceIdx)
		if err := matmul.Compute(block.W2.Slice.WeightType, spec.BufferFloatType, out, in, block.W2.Bytes, block.W2.Slice.DSliced[sliceIdx], block.W2.Slice.N, nThreads, threadIndex); err != nil {
			return fmt.Errorf("forward: ffn2: %w", err)
		}
		return nil
	}

	indexes, weights, err := routeExperts(t, block)
	if err != nil {
		return fmt.Errorf("forward: ffn2: route: %w", err)
	}
	out := t.Buffer.GetSliced(transformer.SlicedXB2, sliceIdx)
	acc, scratch := block.MoeAcc, block.MoeScratch

	// Each thread only ever touches its own [rs,re) row range below —
	// the same range matmul.Compute partitions internally — so no
	// cross-thread synchronization is needed within this task body
	// beyond the TaskLoop barrier that precedes and follows it.
	rs, re := threadIndex*len(acc)/nThreads, (threadIndex+1)*len(acc)/nThreads
	for i := rs; i < re; i++ {
		acc[i] = 0
	}
	for slot, expertIdx := range indexes {
		expert := block.Experts[expertIdx]
		if err := matmul.Compute(expert.Down.Slice.WeightType, spec.BufferFloatType, scratch, in, expert.Down.Bytes, expert.Down.Slice.DSliced[sliceIdx], expert.Down.Slice.N, nThreads, threadIndex); err != nil {
			return fmt.Errorf("forward: ffn2: expert %d: %w", expertIdx, err)
		}
		w := weights[slot]
		for i := rs; i < re; i++ {
			acc[i] += w * scratch[i]
		}
	}
	copy(out[rs:re], acc[rs:re])
	return nil
}

// routeExperts runs the MoE router on the calling node's full UNIT_XB
// (already broadcast to every node, so the selection is deterministic
// and identical everywhere without an extra sync step) and returns the
// indices and softmax weights of the top nActiveExperts experts. The
// router matrix is never sliced (every node holds it whole), so this
// always runs as a single-thread, single-row-range matmul regardless of
// how many threads the calling task itself is split across.
func routeExperts(t *transformer.Transformer, block *transformer.Block) ([]int, []float32, error) {
	spec := t.Spec
	xb := t.Buffer.GetUnit(transformer.UnitXB)
	if spec.BufferFloatType != quant.F32 {
		// Workers only receive UNIT_XB_Q, so every node routes on the
		// dequantized wire form to pick the same experts.
		xb = make([]float32, spec.Dim)
		if err := quant.DequantizeRow(spec.BufferFloatType, t.Buffer.GetUnitBytes(transformer.UnitXBQ), xb, spec.Dim, 1, 0); err != nil {
			return nil, nil, fmt.Errorf("forward: route: %w", err)
		}
	}
	in := matmul.Activation{Float: xb}

	logits := make([]float32, spec.NExperts)
	if err := matmul.Compute(block.Router.Slice.WeightType, quant.F32, logits, in, block.Router.Bytes, spec.NExperts, block.Router.Slice.N, 1, 0); err != nil {
		return nil, nil, fmt.Errorf("forward: route: %w", err)
	}

	indexes := topKIndexes(logits, spec.NActiveExperts)
	top := make([]float32, len(indexes))
	for i, idx := range indexes {
		top[i] = logits[idx]
	}
	Softmax(top, len(top))
	return indexes, top, nil
}

func topKIndexes(logits []float32, k int) []int {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if logits[idx[j]] > logits[idx[best]] {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	return idx[:k]
}
