package forward

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/matmul"
	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/pipeline"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transformer"
	"github.com/dllama-go/dllama/internal/transport"
)

// RootState is the *Context.Extra payload for the root's 32-step task
// list: the transformer itself plus the pool of nSlices-1 worker
// sockets opened during bootstrap.
type RootState struct {
	T    *transformer.Transformer
	Pool *transport.SocketPool
}

const transferWhere = "forward-pass"

// activationOf builds the matmul Activation view for a node's own
// quantized-or-float buffer, matching whatever bufferFloatType the
// model runs with (spec.md §4.2).
func activationOf(t *transformer.Transformer, floatBuf, quantBuf transformer.BufferName, full bool) matmul.Activation {
	buf := t.Buffer
	spec := t.Spec
	if spec.BufferFloatType == quant.F32 {
		if full {
			return matmul.Activation{Float: buf.GetSlicedFull(floatBuf)}
		}
		return matmul.Activation{Float: buf.GetUnit(floatBuf)}
	}
	if full {
		return matmul.Activation{Quantized: buf.GetSlicedBytesFull(quantBuf)}
	}
	return matmul.Activation{Quantized: buf.GetUnitBytes(quantBuf)}
}

// quantizeRow quantizes src into dst under the buffer's bufferFloatType,
// a no-op when that type is F32 (§4.4 aliasing).
func quantizeRow(t *transformer.Transformer, src []float32, dst []byte, nThreads, threadIndex int) error {
	if t.Spec.BufferFloatType == quant.F32 {
		return nil
	}
	return quant.QuantizeRow(t.Spec.BufferFloatType, src, dst, len(src), nThreads, threadIndex)
}

// dequantizeRow is the inverse of quantizeRow.
func dequantizeRow(t *transformer.Transformer, src []byte, dst []float32, nThreads, threadIndex int) error {
	if t.Spec.BufferFloatType == quant.F32 {
		return nil
	}
	return quant.DequantizeRow(t.Spec.BufferFloatType, src, dst, len(dst), nThreads, threadIndex)
}

// RootTasks builds the 32-step ordered task list of spec.md §4.7 for
// the root node.
func RootTasks(spec *modelspec.ModelSpec) []pipeline.Task {
	return []pipeline.Task{
		{Name: "rmsAtt", Kind: pipeline.Compute, Fn: rootRmsAtt},
		{Name: "rmsAttNorm", Kind: pipeline.Compute, Fn: rootRmsAttNorm},
		{Name: "quantizeRmsAtt", Kind: pipeline.Compute, Fn: quantizeUnitXB},
		{Name: "syncRmsAtt", Kind: pipeline.Transfer, Fn: rootScatter(transformer.UnitXBQ)},
		{Name: "qkv", Kind: pipeline.Compute, Fn: rootQkv},
		{Name: "quantizeQkv", Kind: pipeline.Compute, Fn: rootQuantizeQkv},
		{Name: "syncQkv", Kind: pipeline.Transfer, Fn: rootGatherQkv},
		{Name: "dequantizeQkv", Kind: pipeline.Compute, Fn: rootDequantizeQkv},
		{Name: "multiheadAtt", Kind: pipeline.Compute, Fn: rootMultiheadAtt},
		{Name: "quantizeMultiheadAtt", Kind: pipeline.Compute, Fn: quantizeUnitXB},
		{Name: "syncMultiheadAtt", Kind: pipeline.Transfer, Fn: rootScatter(transformer.UnitXBQ)},
		{Name: "att", Kind: pipeline.Compute, Fn: rootAtt},
		{Name: "quantizeAtt", Kind: pipeline.Compute, Fn: quantizeOwnSlice(transformer.SlicedXB2, transformer.SlicedXB2Q)},
		{Name: "syncAtt", Kind: pipeline.Transfer, Fn: rootGather(transformer.SlicedXB2Q)},
		{Name: "dequantizeAtt", Kind: pipeline.Compute, Fn: rootDequantizeAtt},
		{Name: "rmfFfn", Kind: pipeline.Compute, Fn: rootRmfFfn},
		{Name: "rmfFfnNorm", Kind: pipeline.Compute, Fn: rootRmfFfnNorm},
		{Name: "quantizeRmfFfn", Kind: pipeline.Compute, Fn: quantizeUnitXB},
		{Name: "syncRmfFfn", Kind: pipeline.Transfer, Fn: rootScatter(transformer.UnitXBQ)},
		{Name: "ffn", Kind: pipeline.Compute, Fn: rootFfn},
		{Name: "quantizeFfnA", Kind: pipeline.Compute, Fn: quantizeOwnSlice(transformer.SlicedHB, transformer.SlicedHBQ)},
		{Name: "syncFfnA", Kind: pipeline.Transfer, Fn: rootGather(transformer.SlicedHBQ)},
		{Name: "syncFfnB", Kind: pipeline.Transfer, Fn: rootBroadcastMissing(transformer.SlicedHBQ)},
		{Name: "ffn2", Kind: pipeline.Compute, Fn: rootFfn2},
		{Name: "quantizeFfn2", Kind: pipeline.Compute, Fn: quantizeOwnSlice(transformer.SlicedXB2, transformer.SlicedXB2Q)},
		{Name: "syncFfn2", Kind: pipeline.Transfer, Fn: rootGather(transformer.SlicedXB2Q)},
		{Name: "dequantizeFfn2", Kind: pipeline.Compute, Fn: rootDequantizeFfn2},
		{Name: "mergeFfn2", Kind: pipeline.Compute, Fn: rootMergeFfn2},
		{Name: "nextBlock", Kind: pipeline.Compute, Fn: rootNextBlock},
		{Name: "rmsFinal", Kind: pipeline.Compute, Fn: rootRmsFinal},
		{Name: "rmsFinalNorm", Kind: pipeline.Compute, Fn: rootRmsFinalNorm},
		{Name: "finalize", Kind: pipeline.Compute, Fn: rootFinalize},
	}
}

func rootFromCtx(ctx *pipeline.Context) *RootState { return ctx.Extra.(*RootState) }

func rootRmsAtt(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	rms, err := Rms(st.T.X, st.T.Spec.Dim)
	if err != nil {
		return pipeline.Continue, err
	}
	st.T.Rms = rms
	return pipeline.Continue, nil
}

func rootRmsAttNorm(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	xb := t.Buffer.GetUnit(transformer.UnitXB)
	if err := Rmsnorm(xb, t.X, block.RmsAtt, t.Rms, t.Spec.Dim, nThreads, threadIndex); err != nil {
		return pipeline.Continue, err
	}
	return pipeline.Continue, nil
}

func quantizeUnitXB(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	if err := st.T.Buffer.Quantize(transformer.UnitXBQ, nThreads, threadIndex); err != nil {
		return pipeline.Continue, err
	}
	return pipeline.Continue, nil
}

// rootScatter returns a root-side TRANSFER task body writing a UNIT_*
// buffer's wire bytes to every worker (spec.md §4.5 scatter).
func rootScatter(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := rootFromCtx(ctx)
		if err := ScatterRoot(st.Pool, st.T.Buffer, name, transferWhere, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

// rootGather returns a root-side TRANSFER task body reading every
// worker's own slice of a SLICED_* buffer back into root.
func rootGather(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := rootFromCtx(ctx)
		if err := GatherRoot(st.Pool, st.T.Buffer, name, transferWhere, st.T.Spec.NSlices, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

// rootBroadcastMissing returns a root-side TRANSFER task body filling
// in every worker's non-owned slices of a SLICED_* buffer.
func rootBroadcastMissing(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := rootFromCtx(ctx)
		if err := BroadcastMissingRoot(st.Pool, st.T.Buffer, name, transferWhere, st.T.Spec.NSlices, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

// quantizeOwnSlice quantizes the calling node's own piece of a SLICED_*
// buffer (root's piece is sliceIndex 0).
func quantizeOwnSlice(floatName, quantName transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := rootFromCtx(ctx)
		t := st.T
		if t.Spec.BufferFloatType == quant.F32 {
			return pipeline.Continue, nil
		}
		src := t.Buffer.GetSliced(floatName, t.SliceIndex)
		dst := t.Buffer.GetSlicedBytes(quantName, t.SliceIndex)
		if err := quantizeRow(t, src, dst, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

func rootQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	return pipeline.Continue, qkvCompute(t, block, nThreads, threadIndex)
}

// qkvCompute implements task 5 (`qkv`, spec.md §4.7): every node matmuls
// the broadcast UNIT_XB into its own slice of SLICED_Q/K/V. Shared by
// both the root and worker task lists.
func qkvCompute(t *transformer.Transformer, block *transformer.Block, nThreads, threadIndex int) error {
	in := activationOf(t, transformer.UnitXB, transformer.UnitXBQ, false)
	spec := t.Spec
	sliceIdx := t.SliceIndex

	if err := matmul.Compute(block.Q.Slice.WeightType, spec.BufferFloatType, t.Buffer.GetSliced(transformer.SlicedQ, sliceIdx), in, block.Q.Bytes, block.Q.Slice.DSliced[sliceIdx], block.Q.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: qkv: Q: %w", err)
	}
	if err := matmul.Compute(block.K.Slice.WeightType, spec.BufferFloatType, t.Buffer.GetSliced(transformer.SlicedK, sliceIdx), in, block.K.Bytes, block.K.Slice.DSliced[sliceIdx], block.K.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: qkv: K: %w", err)
	}
	if err := matmul.Compute(block.V.Slice.WeightType, spec.BufferFloatType, t.Buffer.GetSliced(transformer.SlicedV, sliceIdx), in, block.V.Bytes, block.V.Slice.DSliced[sliceIdx], block.V.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: qkv: V: %w", err)
	}
	return nil
}

func rootQuantizeQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	if t.Spec.BufferFloatType == quant.F32 {
		return pipeline.Continue, nil
	}
	for _, pair := range [][2]transformer.BufferName{
		{transformer.SlicedQ, transformer.SlicedQQ},
		{transformer.SlicedK, transformer.SlicedKQ},
		{transformer.SlicedV, transformer.SlicedVQ},
	} {
		src := t.Buffer.GetSliced(pair[0], t.SliceIndex)
		dst := t.Buffer.GetSlicedBytes(pair[1], t.SliceIndex)
		if err := quantizeRow(t, src, dst, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
	}
	return pipeline.Continue, nil
}

func rootGatherQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	for _, name := range []transformer.BufferName{transformer.SlicedQQ, transformer.SlicedKQ, transformer.SlicedVQ} {
		if err := GatherRoot(st.Pool, st.T.Buffer, name, transferWhere, st.T.Spec.NSlices, threadIndex); err != nil {
			return pipeline.Continue, err
		}
	}
	return pipeline.Continue, nil
}

func rootDequantizeQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	if t.Spec.BufferFloatType == quant.F32 {
		return pipeline.Continue, nil
	}
	for w := 1; w < t.Spec.NSlices; w++ {
		for _, pair := range [][2]transformer.BufferName{
			{transformer.SlicedQQ, transformer.SlicedQ},
			{transformer.SlicedKQ, transformer.SlicedK},
			{transformer.SlicedVQ, transformer.SlicedV},
		} {
			src := t.Buffer.GetSlicedBytes(pair[0], w)
			dst := t.Buffer.GetSliced(pair[1], w)
			if err := dequantizeRow(t, src, dst, nThreads, threadIndex); err != nil {
				return pipeline.Continue, err
			}
		}
	}
	return pipeline.Continue, nil
}

func rootMultiheadAtt(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	MultiheadAttention(t, block, t.Spec)
	return pipeline.Continue, nil
}

func rootAtt(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	return pipeline.Continue, attCompute(t, block, nThreads, threadIndex)
}

// attCompute implements task 12 (`att`, spec.md §4.7): every node
// matmuls the broadcast post-attention UNIT_XB into its own slice of
// SLICED_XB2 via its Wo projection slice. Shared by both the root and
// worker task lists.
func attCompute(t *transformer.Transformer, block *transformer.Block, nThreads, threadIndex int) error {
	in := activationOf(t, transformer.UnitXB, transformer.UnitXBQ, false)
	sliceIdx := t.SliceIndex
	out := t.Buffer.GetSliced(transformer.SlicedXB2, sliceIdx)
	if err := matmul.Compute(block.Wo.Slice.WeightType, t.Spec.BufferFloatType, out, in, block.Wo.Bytes, block.Wo.Slice.DSliced[sliceIdx], block.Wo.Slice.N, nThreads, threadIndex); err != nil {
		return fmt.Errorf("forward: att: %w", err)
	}
	return nil
}

func rootDequantizeAtt(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	if t.Spec.BufferFloatType == quant.F32 {
		return pipeline.Continue, nil
	}
	for w := 1; w < t.Spec.NSlices; w++ {
		src := t.Buffer.GetSlicedBytes(transformer.SlicedXB2Q, w)
		dst := t.Buffer.GetSliced(transformer.SlicedXB2, w)
		if err := dequantizeRow(t, src, dst, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
	}
	return pipeline.Continue, nil
}

func rootRmfFfn(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	xb2 := t.Buffer.GetSlicedFull(transformer.SlicedXB2)
	for i := range t.X {
		t.X[i] += xb2[i]
	}
	rms, err := Rms(t.X, t.Spec.Dim)
	if err != nil {
		return pipeline.Continue, err
	}
	t.Rms = rms
	return pipeline.Continue, nil
}

func rootRmfFfnNorm(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	xb := t.Buffer.GetUnit(transformer.UnitXB)
	if err := Rmsnorm(xb, t.X, block.RmsFfn, t.Rms, t.Spec.Dim, nThreads, threadIndex); err != nil {
		return pipeline.Continue, err
	}
	return pipeline.Continue, nil
}

func rootFfn(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	return pipeline.Continue, computeFfn(t, t.Blocks[ctx.CurrentBlockIndex], nThreads, threadIndex)
}

func rootFfn2(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	return pipeline.Continue, computeFfn2(t, t.Blocks[ctx.CurrentBlockIndex], nThreads, threadIndex)
}

func rootDequantizeFfn2(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := rootFromCtx(ctx)
	t := st.T
	if t.Spec.BufferFloatType == quant.F32 {
		return pipeline.Continue, nil
	}
	for w := 1; w < t.Spec.NSlices; w++ {
		src := t.Buffer.GetSlicedBytes(transformer.SlicedXB2Q, w)
		dst := t.Buffer.GetSliced(transformer.SlicedXB2, w)
		if err := dequantizeRow(t, src, dst, nThreads, threadIndex); err != nil {
			return pipeline.Continue, err
		}
	}
	return pipeline.Continue, nil
}

func rootMergeFfn2(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	xb2 := t.Buffer.GetSlicedFull(transformer.SlicedXB2)
	for i := range t.X {
		t.X[i] += xb2[i]
	}
	return pipeline.Continue, nil
}

func rootNextBlock(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	ctx.CurrentBlockIndex++
	if ctx.CurrentBlockIndex == ctx.NLayers {
		ctx.CurrentBlockIndex = 0
		ctx.Finalize = true
	}
	return pipeline.Continue, nil
}

func rootRmsFinal(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 || !ctx.Finalize {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	rms, err := Rms(t.X, t.Spec.Dim)
	if err != nil {
		return pipeline.Continue, err
	}
	t.Rms = rms
	return pipeline.Continue, nil
}

func rootRmsFinalNorm(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if !ctx.Finalize {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	if err := Rmsnorm(t.X, t.X, t.RmsFinal, t.Rms, t.Spec.Dim, nThreads, threadIndex); err != nil {
		return pipeline.Continue, err
	}
	return pipeline.Continue, nil
}

func rootFinalize(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if !ctx.Finalize {
		return pipeline.Continue, nil
	}
	st := rootFromCtx(ctx)
	t := st.T
	in := matmul.Activation{Float: t.X}
	if err := matmul.Compute(t.Spec.WeightsFloatType, quant.F32, t.Logits, in, t.Wcls, t.Spec.VocabSize, t.Spec.Dim, nThreads, threadIndex); err != nil {
		return pipeline.Stop, fmt.Errorf("forward: finalize: %w", err)
	}
	return pipeline.Stop, nil
}
