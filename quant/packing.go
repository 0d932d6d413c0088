package quant

// packBits packs n-bit codes densely into bytes, least-significant bit first.
// Supports widths 1..16.
func packBits(codes []uint16, nbits int) []byte {
	packed := make([]byte, (len(codes)*nbits+7)/8)
	for i, v := range codes {
		bit := i * nbits
		for b := 0; b < nbits; b++ {
			if v>>b&1 == 1 {
				packed[(bit+b)>>3] |= 1 << ((bit + b) & 7)
			}
		}
	}
	return packed
}

// unpackBits reverses packBits for n codes of the given width.
func unpackBits(packed []byte, n, nbits int) []uint16 {
	codes := make([]uint16, n)
	for i := range codes {
		bit := i * nbits
		var v uint16
		for b := 0; b < nbits; b++ {
			if packed[(bit+b)>>3]>>((bit+b)&7)&1 == 1 {
				v |= 1 << b
			}
		}
		codes[i] = v
	}
	return codes
}
