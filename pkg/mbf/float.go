package mbf

import "math"

// bf16FromF32Bits truncates a float32 bit pattern to bfloat16 with
// round-to-nearest-even on the dropped 16 bits.
func bf16FromF32Bits(u uint32) uint16 {
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f16FromF32 implements IEEE 754 binary16 conversion with nearest-even rounding.
func f16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	switch exp {
	case 0xFF:
		if frac != 0 {
			return sign | 0x7E00 // NaN
		}
		return sign | 0x7C00 // Inf
	case 0:
		// Zero or float32 subnormal; both collapse to zero at half precision.
		return sign
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00 // overflow -> Inf
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		// subnormal half
		m := frac | 0x800000
		shift := uint32(14 - e)
		round := uint32(1) << (shift - 1)
		m = m + round - 1 + ((m >> shift) & 1)
		return sign | uint16(m>>shift)
	}

	m := frac
	m = m + 0x0FFF + ((m >> 13) & 1)
	if (m & 0x800000) != 0 {
		m = 0
		e++
		if e >= 31 {
			return sign | 0x7C00
		}
	}
	return sign | uint16(e<<10) | uint16(m>>13)
}

func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)

	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// DecodeF32 converts a raw tensor payload to float32 values.
// Only float dtypes are supported; integer tensors are not generated by the
// converter's cast paths.
func DecodeF32(dt TensorDType, raw []byte) ([]float32, error) {
	switch dt {
	case DTypeF32:
		if len(raw)%4 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(leU32(raw[i*4:]))
		}
		return out, nil
	case DTypeF16:
		if len(raw)%2 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = f16ToF32(leU16(raw[i*2:]))
		}
		return out, nil
	case DTypeBF16:
		if len(raw)%2 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = bf16ToF32(leU16(raw[i*2:]))
		}
		return out, nil
	default:
		return nil, ErrCorruptFile
	}
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
