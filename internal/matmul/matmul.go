// Package matmul implements the mixed-precision matmul kernels of spec.md
// §4.2: out[0..d] = W[d×n]·in[0..n], thread-partitioned over d.
//
// Each supported (weightType, activationType) pair has its own kernel
// below, following the teacher pack's pattern of a goroutine-parallel
// row range per worker thread (ariannamethod-yent's MatMulQ4_0) rather
// than a generic tensor-library dot product, since the blocked-quant
// contract (§4.2) needs exact per-block integer accumulation.
package matmul

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/quant"
)

// Activation is the input vector to a matmul, carrying either a float32
// view or a Q8_0-quantized byte view depending on activationType. Exactly
// one of Float/Quantized is populated, matching whichever DType the
// caller passes to Compute.
type Activation struct {
	Float     []float32
	Quantized []byte
}

// Compute runs the matmul kernel for (weightType, activationType) over
// the row range owned by threadIndex out of nThreads, writing into the
// corresponding slice of out. d is the full output dimension so the
// thread's row range can be derived the same way on every call site.
func Compute(weightType, activationType quant.DType, out []float32, in Activation, w []byte, d, n, nThreads, threadIndex int) error {
	ds, de := rowRange(d, nThreads, threadIndex)
	switch {
	case weightType == quant.F32 && activationType == quant.F32:
		computeF32F32(out, in.Float, w, ds, de, n)
		return nil
	case weightType == quant.F16 && activationType == quant.F32:
		computeF16F32(out, in.Float, w, ds, de, n)
		return nil
	case weightType == quant.Q4_0 && activationType == quant.F32:
		computeQ4_0F32(out, in.Float, w, ds, de, n)
		return nil
	case weightType == quant.Q4_0 && activationType == quant.Q8_0:
		return computeQ4_0Q8_0(out, in.Quantized, w, ds, de, n)
	default:
		return fmt.Errorf("matmul: %w", &unsupportedPair{weightType, activationType})
	}
}

func rowRange(d, nThreads, threadIndex int) (int, int) {
	if nThreads <= 0 {
		nThreads = 1
	}
	s := threadIndex * d / nThreads
	e := (threadIndex + 1) * d / nThreads
	return s, e
}

type unsupportedPair struct {
	weightType, activationType quant.DType
}

func (e *unsupportedPair) Error() string {
	return fmt.Sprintf("unsupported dtype pair: weight=%s activation=%s", e.weightType, e.activationType)
}
