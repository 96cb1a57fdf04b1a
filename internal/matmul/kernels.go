package matmul

import (
	"encoding/binary"
	"math"

	"github.com/dllama-go/dllama/internal/quant"
)

func readF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
}

// computeF32F32 is the scalar reference: a straight dot product. Every
// other kernel must agree with this one bit-for-bit on F32 inputs
// (spec.md §4.2).
func computeF32F32(out, in []float32, w []byte, ds, de, n int) {
	for r := ds; r < de; r++ {
		rowOff := r * n
		var sum float32
		for j := 0; j < n; j++ {
			sum += readF32(w, rowOff+j) * in[j]
		}
		out[r] = sum
	}
}

func computeF16F32(out, in []float32, w []byte, ds, de, n int) {
	for r := ds; r < de; r++ {
		rowOff := (r * n) * 2
		var sum float32
		for j := 0; j < n; j++ {
			wv := quant.DecodeF16(w[rowOff+j*2 : rowOff+j*2+2])
			sum += wv * in[j]
		}
		out[r] = sum
	}
}

// computeQ4_0F32 dequantizes one block at a time into a scratch buffer,
// then dots it with the matching region of in.
func computeQ4_0F32(out, in []float32, w []byte, ds, de, n int) {
	blocksPerRow := n / quant.BlockSize
	blockBytes := quant.Q4_0.BytesPerBlock()
	bytesPerRow := blocksPerRow * blockBytes
	scratch := make([]float32, quant.BlockSize)
	for r := ds; r < de; r++ {
		rowOff := r * bytesPerRow
		var sum float32
		for b := 0; b < blocksPerRow; b++ {
			blockOff := rowOff + b*blockBytes
			dequantizeQ4_0BlockInto(w[blockOff:blockOff+blockBytes], scratch)
			xOff := b * quant.BlockSize
			for j := 0; j < quant.BlockSize; j++ {
				sum += scratch[j] * in[xOff+j]
			}
		}
		out[r] = sum
	}
}

func dequantizeQ4_0BlockInto(block []byte, out []float32) {
	d := quant.DecodeF16(block[0:2])
	nibbles := block[2:]
	for j := 0; j < quant.BlockSize/2; j++ {
		b := nibbles[j]
		out[j] = d * float32(int32(b&0x0F)-8)
		out[j+quant.BlockSize/2] = d * float32(int32(b>>4)-8)
	}
}

// computeQ4_0Q8_0 keeps both operands blocked: per pair of blocks it
// computes the integer dot of the 4-bit (recentred) and 8-bit quants,
// then scales by the product of the two block scales, accumulating as
// float. No floats are materialized for either operand.
func computeQ4_0Q8_0(out []float32, inQ []byte, w []byte, ds, de, n int) error {
	if n%quant.BlockSize != 0 {
		return &shapeErr{"computeQ4_0Q8_0: n must be a multiple of block size"}
	}
	blocksPerRow := n / quant.BlockSize
	q4BlockBytes := quant.Q4_0.BytesPerBlock()
	q8BlockBytes := quant.Q8_0.BytesPerBlock()
	wBytesPerRow := blocksPerRow * q4BlockBytes

	for r := ds; r < de; r++ {
		rowOff := r * wBytesPerRow
		var sum float32
		for b := 0; b < blocksPerRow; b++ {
			wBlock := w[rowOff+b*q4BlockBytes : rowOff+(b+1)*q4BlockBytes]
			aBlock := inQ[b*q8BlockBytes : (b+1)*q8BlockBytes]

			wd := quant.DecodeF16(wBlock[0:2])
			ad := quant.DecodeF16(aBlock[0:2])
			wNibbles := wBlock[2:]
			aQuants := aBlock[2:]

			var idot int32
			for j := 0; j < quant.BlockSize/2; j++ {
				nb := wNibbles[j]
				wlo := int32(nb&0x0F) - 8
				whi := int32(nb>>4) - 8
				idot += wlo*int32(int8(aQuants[j])) + whi*int32(int8(aQuants[j+quant.BlockSize/2]))
			}
			sum += float32(idot) * wd * ad
		}
		out[r] = sum
	}
	return nil
}

type shapeErr struct{ reason string }

func (e *shapeErr) Error() string { return e.reason }
