// Package forward implements the per-layer forward-pass tasks of
// spec.md §4.7–§4.9: the ordered root/worker task lists, the
// scatter/gather/broadcastMissing sync primitives, and the numeric
// contracts (RMSNorm, rotary, attention, activations) of §4.8.
package forward

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/modelspec"
)

// Rms computes the reciprocal root-mean-square of x (spec.md §4.8):
// 1 / sqrt(sum(x_i^2)/n + 1e-5). Callable only where n%4 == 0.
func Rms(x []float32, n int) (float32, error) {
	if n%4 != 0 {
		return 0, fmt.Errorf("forward: %w", &dllamaerr.InvalidShapeError{Reason: fmt.Sprintf("rms: n=%d not a multiple of 4", n)})
	}
	sumSq := floats32Dot(x[:n], x[:n])
	return float32(1.0 / math.Sqrt(float64(sumSq)/float64(n)+1e-5)), nil
}

// Rmsnorm writes out_i = w_i * invRms * in_i for i in [0,n). n must be
// divisible by nThreads so callers can partition the range evenly.
func Rmsnorm(out, in, w []float32, invRms float32, n, nThreads, threadIndex int) error {
	if n%nThreads != 0 {
		return fmt.Errorf("forward: %w", &dllamaerr.InvalidShapeError{Reason: fmt.Sprintf("rmsnorm: n=%d not divisible by nThreads=%d", n, nThreads)})
	}
	chunk := n / nThreads
	s, e := threadIndex*chunk, (threadIndex+1)*chunk
	for i := s; i < e; i++ {
		out[i] = w[i] * invRms * in[i]
	}
	return nil
}

// floats32Dot computes the float32 dot product via gonum's float64 Dot,
// matching the ambient numeric-helper stack (SPEC_FULL.md §10) for the
// scalar math that sits outside the blocked-quantized kernels.
func floats32Dot(a, b []float32) float32 {
	fa := make([]float64, len(a))
	fb := make([]float64, len(b))
	for i := range a {
		fa[i] = float64(a[i])
		fb[i] = float64(b[i])
	}
	return float32(floats.Dot(fa, fb))
}

// Silu is x / (1 + e^-x), the LLaMA FFN activation.
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// Gelu is the tanh approximation used by GROK1's hiddenAct=GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	inner := c * (x + 0.044715*x*x*x)
	return 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
}

// Activation dispatches to Silu or Gelu per the model's hiddenAct.
func Activation(act modelspec.HiddenAct, x float32) float32 {
	if act == modelspec.GELU {
		return Gelu(x)
	}
	return Silu(x)
}

// Softmax normalizes x[0:n] in place into a probability distribution.
func Softmax(x []float32, n int) {
	maxVal := x[0]
	for i := 1; i < n; i++ {
		if x[i] > maxVal {
			maxVal = x[i]
		}
	}
	var sum float32
	for i := 0; i < n; i++ {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		sum += x[i]
	}
	for i := 0; i < n; i++ {
		x[i] /= sum
	}
}

// Rotary applies the position-dependent 2D rotation of spec.md §4.8 to q
// (length dim) and, for indices < kvDim, to k. pos is the current token
// position; headSize and ropeTheta come from the ModelSpec.
func Rotary(q, k []float32, pos int, dim, kvDim, headSize int, ropeTheta float32) {
	for i := 0; i < dim; i += 2 {
		headIdx := i % headSize
		freq := float32(1.0 / math.Pow(float64(ropeTheta), float64(headIdx)/float64(headSize)))
		val := float32(pos) * freq
		fcr := float32(math.Cos(float64(val)))
		fci := float32(math.Sin(float64(val)))

		rotatePair(q, i, fcr, fci)
		if i < kvDim {
			rotatePair(k, i, fcr, fci)
		}
	}
}

func rotatePair(v []float32, i int, fcr, fci float32) {
	v0, v1 := v[i], v[i+1]
	v[i] = v0*fcr - v1*fci
	v[i+1] = v0*fci + v1*fcr
}
