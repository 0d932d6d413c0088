package quant

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/flexquant/flexquant/tensor"
)

// ComputeDTypeFloat16 tags channelwise metadata stored in half precision.
const ComputeDTypeFloat16 = "float16"

// channelwiseCodec is the metadata-rich integer backend: asymmetric
// channel-wise grouping with the per-group scales and zero-points cast to the
// compute dtype (half precision) and carried in a separate metadata record
// that travels with the code payload. It supports nbits 1, 2, 3, 4 and 8 and
// lanes along the first or second dimension.
type channelwiseCodec struct {
	p CodecParams
}

// ChannelwiseMeta is the metadata record paired with a channelwise code
// payload. Scales and zero-points are IEEE 754 half-precision bit patterns;
// both must be interpreted under ComputeDType.
type ChannelwiseMeta struct {
	Shape        []int
	Nbits        int
	Axis         int
	GroupSize    int
	Scales       []uint16
	Zeros        []uint16
	ComputeDType string
}

type channelwiseBlob struct {
	codes []byte
	meta  ChannelwiseMeta
}

func (b *channelwiseBlob) Backend() string { return BackendChannelwise }
func (b *channelwiseBlob) Shape() []int    { return b.meta.Shape }
func (b *channelwiseBlob) SeqLen() int     { return b.meta.Shape[len(b.meta.Shape)-2] }
func (b *channelwiseBlob) SizeBytes() int {
	return len(b.codes) + 2*len(b.meta.Scales) + 2*len(b.meta.Zeros)
}

// Meta exposes the metadata record paired with the code payload.
func (b *channelwiseBlob) Meta() ChannelwiseMeta { return b.meta }

func newChannelwiseCodec(p CodecParams) (*channelwiseCodec, error) {
	switch p.Nbits {
	case 1, 2, 3, 4, 8:
	default:
		return nil, fmt.Errorf("%w: nbits for the channelwise backend must be one of [1, 2, 3, 4, 8], got %d", ErrConfig, p.Nbits)
	}
	if p.Axis != AxisToken && p.Axis != AxisChannel {
		return nil, fmt.Errorf("%w: axis for the channelwise backend must be one of [0, 1], got %d", ErrConfig, p.Axis)
	}
	return &channelwiseCodec{p: p}, nil
}

func (c *channelwiseCodec) Params() CodecParams { return c.p }

func (c *channelwiseCodec) Quantize(t *tensor.Tensor) (Blob, error) {
	dim, err := laneDim(t.Rank(), c.p.Axis)
	if err != nil {
		return nil, err
	}
	codes, scales, zeros := groupQuantize(t, dim, c.p.GroupSize, c.p.Nbits, true)

	meta := ChannelwiseMeta{
		Shape:        append([]int(nil), t.Shape...),
		Nbits:        c.p.Nbits,
		Axis:         c.p.Axis,
		GroupSize:    c.p.GroupSize,
		Scales:       make([]uint16, len(scales)),
		Zeros:        make([]uint16, len(zeros)),
		ComputeDType: ComputeDTypeFloat16,
	}
	for i, s := range scales {
		meta.Scales[i] = float16.Fromfloat32(s).Bits()
	}
	for i, z := range zeros {
		meta.Zeros[i] = float16.Fromfloat32(z).Bits()
	}
	return &channelwiseBlob{codes: packBits(codes, c.p.Nbits), meta: meta}, nil
}

func (c *channelwiseCodec) Dequantize(b Blob) (*tensor.Tensor, error) {
	cb, ok := b.(*channelwiseBlob)
	if !ok {
		return nil, fmt.Errorf("channelwise backend cannot dequantize a %q blob", b.Backend())
	}
	dim, err := laneDim(len(cb.meta.Shape), cb.meta.Axis)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range cb.meta.Shape {
		n *= d
	}
	scales := make([]float32, len(cb.meta.Scales))
	for i, bits := range cb.meta.Scales {
		scales[i] = float16.Frombits(bits).Float32()
	}
	zeros := make([]float32, len(cb.meta.Zeros))
	for i, bits := range cb.meta.Zeros {
		zeros[i] = float16.Frombits(bits).Float32()
	}
	codes := unpackBits(cb.codes, n, cb.meta.Nbits)
	return groupDequantize(codes, scales, zeros, cb.meta.Shape, dim, cb.meta.GroupSize, cb.meta.Nbits), nil
}
