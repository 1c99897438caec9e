package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	blockSizeQ8_0 = 32
	blockSizeK    = 256
)

// ErrUnsupportedType is returned for encodings Dequantize cannot decode.
type ErrUnsupportedType struct{ Type GGMLType }

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported tensor type: %v", e.Type)
}

// Dequantize decodes a tensor into float32 values in storage order.
func Dequantize(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	if uint64(len(t.Data)) < t.SizeBytes() {
		return nil, fmt.Errorf("tensor %s: have %d bytes, need %d", t.Name, len(t.Data), t.SizeBytes())
	}
	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(t.Data[i*2:]))
		}
		return out, nil
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n)
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n)
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n)
	default:
		return nil, ErrUnsupportedType{Type: t.Type}
	}
}

// DequantizeQ8_0 decodes blocks of an f16 scale followed by 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) ([]float32, error) {
	if numElements%blockSizeQ8_0 != 0 {
		return nil, fmt.Errorf("Q8_0: %d elements is not a multiple of %d", numElements, blockSizeQ8_0)
	}
	const blockBytes = 34
	out := make([]float32, numElements)
	for b := 0; b < numElements/blockSizeQ8_0; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block))
		for i := 0; i < blockSizeQ8_0; i++ {
			out[b*blockSizeQ8_0+i] = d * float32(int8(block[2+i]))
		}
	}
	return out, nil
}

// DequantizeQ4K decodes 144-byte super-blocks: f16 d, f16 dmin, 12 bytes of
// packed 6-bit scales and mins, 128 bytes of 4-bit quants.
func DequantizeQ4K(data []byte, numElements int) ([]float32, error) {
	if numElements%blockSizeK != 0 {
		return nil, fmt.Errorf("Q4_K: %d elements is not a multiple of %d", numElements, blockSizeK)
	}
	const blockBytes = 144
	out := make([]float32, numElements)
	for b := 0; b < numElements/blockSizeK; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:144]

		y := out[b*blockSizeK:]
		is := 0
		for j := 0; j < blockSizeK; j += 64 {
			sc1, m1 := scaleMinK4(is, scales)
			sc2, m2 := scaleMinK4(is+1, scales)
			d1, min1 := d*float32(sc1), dmin*float32(m1)
			d2, min2 := d*float32(sc2), dmin*float32(m2)
			q := qs[j/2 : j/2+32]
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0xF) - min1
				y[j+32+l] = d2*float32(q[l]>>4) - min2
			}
			is += 2
		}
	}
	return out, nil
}

func scaleMinK4(j int, q []byte) (sc, m uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc = (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
	m = (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// DequantizeQ6K decodes 210-byte super-blocks: 128 bytes of low nibbles,
// 64 bytes of high bit pairs, 16 int8 scales and an f16 d.
func DequantizeQ6K(data []byte, numElements int) ([]float32, error) {
	if numElements%blockSizeK != 0 {
		return nil, fmt.Errorf("Q6_K: %d elements is not a multiple of %d", numElements, blockSizeK)
	}
	const blockBytes = 210
	out := make([]float32, numElements)
	for b := 0; b < numElements/blockSizeK; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))

		y := out[b*blockSizeK:]
		for half := 0; half < 2; half++ {
			l0, h0, s0, y0 := ql[half*64:], qh[half*32:], sc[half*8:], y[half*128:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((l0[l]&0xF)|((h0[l]>>0)&3)<<4) - 32
				q2 := int8((l0[l+32]&0xF)|((h0[l]>>2)&3)<<4) - 32
				q3 := int8((l0[l]>>4)|((h0[l]>>4)&3)<<4) - 32
				q4 := int8((l0[l+32]>>4)|((h0[l]>>6)&3)<<4) - 32
				y0[l] = d * float32(int8(s0[is])) * float32(q1)
				y0[l+32] = d * float32(int8(s0[is+2])) * float32(q2)
				y0[l+64] = d * float32(int8(s0[is+4])) * float32(q3)
				y0[l+96] = d * float32(int8(s0[is+6])) * float32(q4)
			}
		}
	}
	return out, nil
}

// Float16ToFloat32 converts IEEE 754 half precision bits.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		v := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}
