package quant

import (
	"fmt"

	"github.com/flexquant/flexquant/tensor"
)

// vanillaCodec is the self-contained backend: symmetric or asymmetric
// round-to-nearest quantization with an explicit group size (-1 quantizes
// each lane as one group). Any bit-width from 1 to 16 is accepted, except
// that symmetric mode needs at least 2 bits for a sign.
type vanillaCodec struct {
	p CodecParams
}

type vanillaBlob struct {
	shape     []int
	nbits     int
	axis      int
	groupSize int
	asym      bool
	codes     []byte
	scales    []float32
	zeros     []float32 // nil in symmetric mode
}

func (b *vanillaBlob) Backend() string { return BackendVanilla }
func (b *vanillaBlob) Shape() []int    { return b.shape }
func (b *vanillaBlob) SeqLen() int     { return b.shape[len(b.shape)-2] }
func (b *vanillaBlob) SizeBytes() int {
	return len(b.codes) + 4*len(b.scales) + 4*len(b.zeros)
}

func newVanillaCodec(p CodecParams) (*vanillaCodec, error) {
	if p.Nbits < 1 || p.Nbits > 16 {
		return nil, fmt.Errorf("%w: nbits for the vanilla backend must be in [1, 16], got %d", ErrConfig, p.Nbits)
	}
	if !p.Asym && p.Nbits < 2 {
		return nil, fmt.Errorf("%w: symmetric vanilla quantization needs nbits >= 2, got %d", ErrConfig, p.Nbits)
	}
	if p.Axis != AxisToken && p.Axis != AxisChannel {
		return nil, fmt.Errorf("%w: axis for the vanilla backend must be one of [0, 1], got %d", ErrConfig, p.Axis)
	}
	return &vanillaCodec{p: p}, nil
}

func (c *vanillaCodec) Params() CodecParams { return c.p }

func (c *vanillaCodec) Quantize(t *tensor.Tensor) (Blob, error) {
	dim, err := laneDim(t.Rank(), c.p.Axis)
	if err != nil {
		return nil, err
	}
	codes, scales, zeros := groupQuantize(t, dim, c.p.GroupSize, c.p.Nbits, c.p.Asym)
	return &vanillaBlob{
		shape:     append([]int(nil), t.Shape...),
		nbits:     c.p.Nbits,
		axis:      c.p.Axis,
		groupSize: c.p.GroupSize,
		asym:      c.p.Asym,
		codes:     packBits(codes, c.p.Nbits),
		scales:    scales,
		zeros:     zeros,
	}, nil
}

func (c *vanillaCodec) Dequantize(b Blob) (*tensor.Tensor, error) {
	vb, ok := b.(*vanillaBlob)
	if !ok {
		return nil, fmt.Errorf("vanilla backend cannot dequantize a %q blob", b.Backend())
	}
	dim, err := laneDim(len(vb.shape), vb.axis)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range vb.shape {
		n *= d
	}
	codes := unpackBits(vb.codes, n, vb.nbits)
	return groupDequantize(codes, vb.scales, vb.zeros, vb.shape, dim, vb.groupSize, vb.nbits), nil
}
