package forward

import (
	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/pipeline"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transformer"
	"github.com/dllama-go/dllama/internal/transport"
)

// WorkerState is the *Context.Extra payload for a worker's 17-step task
// list: the transformer itself (SliceIndex != 0) plus the single socket
// back to root.
type WorkerState struct {
	T    *transformer.Transformer
	Sock *transport.Socket
}

// WorkerTasks builds the 17-step ordered task list of spec.md §4.7
// ("Worker variant") for a non-root node.
func WorkerTasks(spec *modelspec.ModelSpec) []pipeline.Task {
	return []pipeline.Task{
		{Name: "syncRmsAtt", Kind: pipeline.Transfer, Fn: workerScatter(transformer.UnitXBQ)},
		{Name: "qkv", Kind: pipeline.Compute, Fn: workerQkv},
		{Name: "quantizeQkv", Kind: pipeline.Compute, Fn: workerQuantizeQkv},
		{Name: "syncQkv", Kind: pipeline.Transfer, Fn: workerGatherQkv},
		{Name: "syncMultiheadAtt", Kind: pipeline.Transfer, Fn: workerScatter(transformer.UnitXBQ)},
		{Name: "att", Kind: pipeline.Compute, Fn: workerAtt},
		{Name: "quantizeAtt", Kind: pipeline.Compute, Fn: workerQuantizeOwnSlice(transformer.SlicedXB2, transformer.SlicedXB2Q)},
		{Name: "syncAtt", Kind: pipeline.Transfer, Fn: workerGather(transformer.SlicedXB2Q)},
		{Name: "syncRmfFfn", Kind: pipeline.Transfer, Fn: workerScatter(transformer.UnitXBQ)},
		{Name: "ffn", Kind: pipeline.Compute, Fn: workerFfn},
		{Name: "quantizeFfnA", Kind: pipeline.Compute, Fn: workerQuantizeOwnSlice(transformer.SlicedHB, transformer.SlicedHBQ)},
		{Name: "syncFfnA", Kind: pipeline.Transfer, Fn: workerGather(transformer.SlicedHBQ)},
		{Name: "syncFfnB", Kind: pipeline.Transfer, Fn: workerBroadcastMissing(transformer.SlicedHBQ)},
		{Name: "ffn2", Kind: pipeline.Compute, Fn: workerFfn2},
		{Name: "quantizeFfn2", Kind: pipeline.Compute, Fn: workerQuantizeOwnSlice(transformer.SlicedXB2, transformer.SlicedXB2Q)},
		{Name: "syncFfn2", Kind: pipeline.Transfer, Fn: workerGather(transformer.SlicedXB2Q)},
		{Name: "nextBlock", Kind: pipeline.Compute, Fn: workerNextBlock},
	}
}

func workerFromCtx(ctx *pipeline.Context) *WorkerState { return ctx.Extra.(*WorkerState) }

func workerScatter(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := workerFromCtx(ctx)
		if err := ScatterWorker(st.Sock, st.T.Buffer, name, transferWhere, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

func workerGather(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := workerFromCtx(ctx)
		if err := GatherWorker(st.Sock, st.T.Buffer, name, st.T.SliceIndex, transferWhere, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

func workerBroadcastMissing(name transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := workerFromCtx(ctx)
		if err := BroadcastMissingWorker(st.Sock, st.T.Buffer, name, st.T.SliceIndex, transferWhere, st.T.Spec.NSlices, threadIndex); err != nil {
			return pipeline.Continue, err
		}
		return pipeline.Continue, nil
	}
}

func workerQuantizeOwnSlice(floatName, quantName transformer.BufferName) pipeline.Fn {
	return func(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
		st := workerFromCtx(ctx)
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

func workerQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	return pipeline.Continue, qkvCompute(t, block, nThreads, threadIndex)
}

func workerQuantizeQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
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

func workerGatherQkv(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
	t := st.T
	for _, name := range []transformer.BufferName{transformer.SlicedQQ, transformer.SlicedKQ, transformer.SlicedVQ} {
		if err := GatherWorker(st.Sock, t.Buffer, name, t.SliceIndex, transferWhere, threadIndex); err != nil {
			return pipeline.Continue, err
		}
	}
	return pipeline.Continue, nil
}

func workerAtt(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
	t := st.T
	block := t.Blocks[ctx.CurrentBlockIndex]
	return pipeline.Continue, attCompute(t, block, nThreads, threadIndex)
}

func workerFfn(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
	t := st.T
	return pipeline.Continue, computeFfn(t, t.Blocks[ctx.CurrentBlockIndex], nThreads, threadIndex)
}

func workerFfn2(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	st := workerFromCtx(ctx)
	t := st.T
	return pipeline.Continue, computeFfn2(t, t.Blocks[ctx.CurrentBlockIndex], nThreads, threadIndex)
}

func workerNextBlock(nThreads, threadIndex int, ctx *pipeline.Context) (pipeline.Outcome, error) {
	if threadIndex != 0 {
		return pipeline.Continue, nil
	}
	ctx.CurrentBlockIndex++
	if ctx.CurrentBlockIndex == ctx.NLayers {
		ctx.CurrentBlockIndex = 0
		return pipeline.Stop, nil
	}
	return pipeline.Continue, nil
}
