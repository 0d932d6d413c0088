package quant

import (
	"fmt"

	"github.com/flexquant/flexquant/tensor"
)

// affineCodec is the externally-optimized integer backend: symmetric,
// group-size-aware quantization with float32 group scales. It supports
// nbits 2, 4 and 8 and lanes along the first-configured or last dimension.
type affineCodec struct {
	p CodecParams
}

type affineBlob struct {
	shape     []int
	nbits     int
	axis      int
	groupSize int
	codes     []byte
	scales    []float32
}

func (b *affineBlob) Backend() string { return BackendAffine }
func (b *affineBlob) Shape() []int    { return b.shape }
func (b *affineBlob) SeqLen() int     { return b.shape[len(b.shape)-2] }
func (b *affineBlob) SizeBytes() int  { return len(b.codes) + 4*len(b.scales) }

func newAffineCodec(p CodecParams) (*affineCodec, error) {
	if p.Nbits != 2 && p.Nbits != 4 && p.Nbits != 8 {
		return nil, fmt.Errorf("%w: nbits for the affine backend must be one of [2, 4, 8], got %d", ErrConfig, p.Nbits)
	}
	if p.Axis != AxisToken && p.Axis != AxisLast {
		return nil, fmt.Errorf("%w: axis for the affine backend must be one of [0, -1], got %d", ErrConfig, p.Axis)
	}
	return &affineCodec{p: p}, nil
}

func (c *affineCodec) Params() CodecParams { return c.p }

func (c *affineCodec) Quantize(t *tensor.Tensor) (Blob, error) {
	dim, err := laneDim(t.Rank(), c.p.Axis)
	if err != nil {
		return nil, err
	}
	codes, scales, _ := groupQuantize(t, dim, c.p.GroupSize, c.p.Nbits, false)
	return &affineBlob{
		shape:     append([]int(nil), t.Shape...),
		nbits:     c.p.Nbits,
		axis:      c.p.Axis,
		groupSize: c.p.GroupSize,
		codes:     packBits(codes, c.p.Nbits),
		scales:    scales,
	}, nil
}

func (c *affineCodec) Dequantize(b Blob) (*tensor.Tensor, error) {
	ab, ok := b.(*affineBlob)
	if !ok {
		return nil, fmt.Errorf("affine backend cannot dequantize a %q blob", b.Backend())
	}
	dim, err := laneDim(len(ab.shape), ab.axis)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range ab.shape {
		n *= d
	}
	codes := unpackBits(ab.codes, n, ab.nbits)
	return groupDequantize(codes, ab.scales, nil, ab.shape, dim, ab.groupSize, ab.nbits), nil
}
