package quant

import "fmt"

// QuantizeRow dispatches to the block-format quantizer for t. Callers
// never invoke this for F32: a buffer with bufferFloatType == F32 has its
// quantized variant alias the float variant directly (§4.4), so there is
// nothing to encode.
func QuantizeRow(t DType, src []float32, dst []byte, n, nThreads, threadIndex int) error {
	switch t {
	case F16:
		s, e := threadRange(n, nThreads, threadIndex)
		QuantizeRowF16(src[s:e], dst[s*2:e*2], e-s)
		return nil
	case Q4_0:
		return QuantizeRowQ4_0(src, dst, n, nThreads, threadIndex)
	case Q8_0:
		return QuantizeRowQ8_0(src, dst, n, nThreads, threadIndex)
	default:
		return fmt.Errorf("quant: QuantizeRow: %w", &unsupportedDType{t})
	}
}

// DequantizeRow dispatches to the block-format dequantizer for t.
func DequantizeRow(t DType, src []byte, dst []float32, n, nThreads, threadIndex int) error {
	switch t {
	case F16:
		s, e := threadRange(n, nThreads, threadIndex)
		DequantizeRowF16(src[s*2:e*2], dst[s:e], e-s)
		return nil
	case Q4_0:
		return DequantizeRowQ4_0(src, dst, n, nThreads, threadIndex)
	case Q8_0:
		return DequantizeRowQ8_0(src, dst, n, nThreads, threadIndex)
	default:
		return fmt.Errorf("quant: DequantizeRow: %w", &unsupportedDType{t})
	}
}
