package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// DecodeF16 reads a little-endian IEEE-754 binary16 scale/weight value.
func DecodeF16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// EncodeF16 writes v as a little-endian IEEE-754 binary16 value.
func EncodeF16(dst []byte, v float32) {
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(v).Bits())
}

// DequantizeRowF16 expands n little-endian F16 values into dst.
func DequantizeRowF16(src []byte, dst []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = DecodeF16(src[i*2 : i*2+2])
	}
}

// QuantizeRowF16 narrows n float32 values into little-endian F16 bytes.
func QuantizeRowF16(src []float32, dst []byte, n int) {
	for i := 0; i < n; i++ {
		EncodeF16(dst[i*2:i*2+2], src[i])
	}
}
