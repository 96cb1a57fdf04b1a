// Package slicing implements the tensor-slicing model of spec.md §4.3:
// partitioning a [d×n] weight matrix's output rows across nSlices nodes
// by an arbitrary non-negative integer weight vector, and merging
// per-slice outputs back into a global vector.
package slicing

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/dllama-go/dllama/internal/quant"
)

// MatmulSlice describes how one projection's output rows are divided.
type MatmulSlice struct {
	WeightType quant.DType
	NSlices    int
	N          int // input dimension, unchanged across slices
	D          int // full output dimension

	DSliced []int // per-slice row counts, sums to D
	DIndex  []int // per-slice prefix offsets, DIndex[0] == 0
}

// UniformWeights returns the default weight vector [k,k,...,k] for
// nSlices slices, k == nSlices (spec.md §4.3).
func UniformWeights(nSlices int) []int {
	w := make([]int, nSlices)
	for i := range w {
		w[i] = nSlices
	}
	return w
}

// NewMatmulSlice computes d_sliced[] and d_index[] from a non-negative
// weight vector with nonzero sum. d_sliced[i] = floor(d*w[i]/sum(w)) for
// i < nSlices-1; the last slice absorbs the remainder so the partition is
// always complete even under rounding.
func NewMatmulSlice(weightType quant.DType, nSlices, n, d int, weights []int) (*MatmulSlice, error) {
	if nSlices < 1 {
		return nil, fmt.Errorf("slicing: nSlices must be >= 1, got %d", nSlices)
	}
	if len(weights) != nSlices {
		return nil, fmt.Errorf("slicing: weight vector length %d != nSlices %d", len(weights), nSlices)
	}
	total := lo.Sum(weights)
	if total <= 0 {
		return nil, fmt.Errorf("slicing: weight vector sum must be > 0, got %d", total)
	}
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("slicing: weight vector entries must be non-negative")
		}
	}

	dSliced := make([]int, nSlices)
	dIndex := make([]int, nSlices)
	used := 0
	for i := 0; i < nSlices-1; i++ {
		dSliced[i] = d * weights[i] / total
		dIndex[i] = used
		used += dSliced[i]
	}
	dSliced[nSlices-1] = d - used
	dIndex[nSlices-1] = used

	return &MatmulSlice{
		WeightType: weightType,
		NSlices:    nSlices,
		N:          n,
		D:          d,
		DSliced:    dSliced,
		DIndex:     dIndex,
	}, nil
}

// SliceBytes returns the on-wire byte size of sliceIndex's piece of the
// weight matrix.
func (s *MatmulSlice) SliceBytes(sliceIndex int) (int, error) {
	return quant.RowBytes(s.WeightType, s.N*s.DSliced[sliceIndex])
}

// SplitWeights copies, for each output row this slice owns, the n weight
// elements of that row (respecting the dtype's batch granularity — one
// quant block for blocked dtypes, one scalar otherwise) into dstSlice. It
// returns the number of bytes copied, which must equal SliceBytes.
func (s *MatmulSlice) SplitWeights(sliceIndex int, srcWeights, dstSlice []byte) (int, error) {
	rowBytes, err := quant.RowBytes(s.WeightType, s.N)
	if err != nil {
		return 0, err
	}
	rowStart := s.DIndex[sliceIndex]
	rowCount := s.DSliced[sliceIndex]

	srcOff := rowStart * rowBytes
	n := rowCount * rowBytes
	if srcOff+n > len(srcWeights) {
		return 0, fmt.Errorf("slicing: SplitWeights: source too short: need %d bytes at offset %d, have %d", n, srcOff, len(srcWeights))
	}
	if n > len(dstSlice) {
		return 0, fmt.Errorf("slicing: SplitWeights: destination too short: need %d bytes, have %d", n, len(dstSlice))
	}
	copy(dstSlice[:n], srcWeights[srcOff:srcOff+n])
	return n, nil
}

// MergeOutputs writes srcSlice into dstFull at the row range owned by
// sliceIndex and returns the starting output-row offset.
func (s *MatmulSlice) MergeOutputs(sliceIndex int, dstFull, srcSlice []float32) (int, error) {
	rowStart := s.DIndex[sliceIndex]
	rowCount := s.DSliced[sliceIndex]
	if len(srcSlice) < rowCount {
		return 0, fmt.Errorf("slicing: MergeOutputs: source too short: need %d elements, have %d", rowCount, len(srcSlice))
	}
	if rowStart+rowCount > len(dstFull) {
		return 0, fmt.Errorf("slicing: MergeOutputs: destination too short: need %d elements at offset %d, have %d", rowCount, rowStart, len(dstFull))
	}
	copy(dstFull[rowStart:rowStart+rowCount], srcSlice[:rowCount])
	return rowStart, nil
}
