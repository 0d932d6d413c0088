package quant

import (
	"fmt"
	"math"

	"github.com/flexquant/flexquant/tensor"
)

// Quantization axis values. AxisToken lays quantization lanes along the last
// (channel) dimension so each position vector is grouped independently;
// AxisChannel lays lanes along the temporal dimension so one channel is
// grouped across positions. AxisLast is an alias for the last dimension
// accepted by the affine backend only.
const (
	AxisToken   = 0
	AxisChannel = 1
	AxisLast    = -1
)

// Backend names.
const (
	BackendAffine      = "affine"
	BackendChannelwise = "channelwise"
	BackendVanilla     = "vanilla"
)

// ValidBackends is the set of recognized codec backend names.
var ValidBackends = map[string]bool{
	BackendAffine:      true,
	BackendChannelwise: true,
	BackendVanilla:     true,
}

// CodecParams fixes one codec instance's numeric behavior. A cache constructs
// one codec per distinct (Nbits, Axis) pair it uses.
type CodecParams struct {
	Nbits     int
	Axis      int
	GroupSize int // -1 = one group per lane
	Asym      bool
}

// Blob is an opaque, backend-defined compressed representation of one tensor.
// It is self-describing: a blob carries everything its codec needs to
// reconstruct shape and element order exactly. Blobs are owned by the cache
// entry that produced them and replaced wholesale on re-quantization.
type Blob interface {
	Backend() string
	Shape() []int
	SeqLen() int
	SizeBytes() int
}

// Codec converts full-precision tensors to compressed blobs and back.
// Dequantize(Quantize(x)) approximates x with error bounded by the bit-width
// and group size, but preserves shape and element order exactly.
type Codec interface {
	Quantize(t *tensor.Tensor) (Blob, error)
	Dequantize(b Blob) (*tensor.Tensor, error)
	Params() CodecParams
}

// NewCodec constructs a codec for the named backend. Unsupported nbits/axis
// combinations fail with ErrConfig.
func NewCodec(backend string, p CodecParams) (Codec, error) {
	switch backend {
	case BackendAffine:
		return newAffineCodec(p)
	case BackendChannelwise:
		return newChannelwiseCodec(p)
	case BackendVanilla:
		return newVanillaCodec(p)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, backend)
	}
}

// laneDim resolves a quantization axis to the tensor dimension the lanes run
// along. Axis values 0 and -1 select the last (channel) dimension; axis 1
// selects the temporal dimension.
func laneDim(rank, axis int) (int, error) {
	if rank < 2 {
		return 0, fmt.Errorf("quantization requires rank >= 2, got %d", rank)
	}
	switch axis {
	case AxisToken, AxisLast:
		return rank - 1, nil
	case AxisChannel:
		return rank - 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported quantization axis %d", ErrConfig, axis)
}

// laneExtents decomposes a shape into (outer, laneLen, inner) around dim.
// Lane l = o*inner + i visits elements o*laneLen*inner + j*inner + i for
// j in [0, laneLen).
func laneExtents(shape []int, dim int) (outer, laneLen, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:dim] {
		outer *= d
	}
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	return outer, shape[dim], inner
}

// groupSpan returns the effective group length for a lane.
func groupSpan(groupSize, laneLen int) int {
	if groupSize <= 0 || groupSize > laneLen {
		return laneLen
	}
	return groupSize
}

// groupQuantize quantizes t lane by lane along dim, splitting each lane into
// contiguous groups of groupSize elements that share one scale (and, in
// asymmetric mode, one zero-point). Codes are returned unsigned in lane-major
// order; scales and zeros follow the same order, one per group. In symmetric
// mode zeros is nil and codes carry an implicit offset of 2^(nbits-1).
func groupQuantize(t *tensor.Tensor, dim, groupSize, nbits int, asym bool) (codes []uint16, scales, zeros []float32) {
	outer, laneLen, inner := laneExtents(t.Shape, dim)
	span := groupSpan(groupSize, laneLen)
	groupsPerLane := (laneLen + span - 1) / span

	codes = make([]uint16, t.NumElements())
	scales = make([]float32, outer*inner*groupsPerLane)
	if asym {
		zeros = make([]float32, len(scales))
	}

	lane := make([]float32, laneLen)
	laneIdx := 0
	for o := 0; o < outer; o++ {
		base := o * laneLen * inner
		for i := 0; i < inner; i++ {
			for j := 0; j < laneLen; j++ {
				lane[j] = t.Data[base+j*inner+i]
			}
			for g := 0; g < groupsPerLane; g++ {
				lo := g * span
				hi := lo + span
				if hi > laneLen {
					hi = laneLen
				}
				group := lane[lo:hi]
				gi := laneIdx*groupsPerLane + g
				if asym {
					scales[gi], zeros[gi] = quantizeGroupAsym(group, nbits, codes[laneIdx*laneLen+lo:])
				} else {
					scales[gi] = quantizeGroupSym(group, nbits, codes[laneIdx*laneLen+lo:])
				}
			}
			laneIdx++
		}
	}
	return codes, scales, zeros
}

// groupDequantize reverses groupQuantize into a tensor of the given shape.
func groupDequantize(codes []uint16, scales, zeros []float32, shape []int, dim, groupSize, nbits int) *tensor.Tensor {
	out := tensor.New(shape...)
	outer, laneLen, inner := laneExtents(shape, dim)
	span := groupSpan(groupSize, laneLen)
	groupsPerLane := (laneLen + span - 1) / span
	offset := float32(int32(1) << (nbits - 1))

	laneIdx := 0
	for o := 0; o < outer; o++ {
		base := o * laneLen * inner
		for i := 0; i < inner; i++ {
			for j := 0; j < laneLen; j++ {
				gi := laneIdx*groupsPerLane + j/span
				code := float32(codes[laneIdx*laneLen+j])
				var v float32
				if zeros != nil {
					v = zeros[gi] + code*scales[gi]
				} else {
					v = (code - offset) * scales[gi]
				}
				out.Data[base+j*inner+i] = v
			}
			laneIdx++
		}
	}
	return out
}

// quantizeGroupSym maps a group to symmetric integer codes around zero. The
// returned scale recovers values as (code - 2^(nbits-1)) * scale. Requires
// nbits >= 2.
func quantizeGroupSym(group []float32, nbits int, dst []uint16) float32 {
	qmax := float32(int32(1)<<(nbits-1) - 1)
	offset := float32(int32(1) << (nbits - 1))

	var maxAbs float32
	for _, v := range group {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		for j := range group {
			dst[j] = uint16(offset)
		}
		return 0
	}
	scale := maxAbs / qmax
	for j, v := range group {
		q := float32(math.Round(float64(v / scale)))
		if q > qmax {
			q = qmax
		} else if q < -qmax {
			q = -qmax
		}
		dst[j] = uint16(q + offset)
	}
	return scale
}

// quantizeGroupAsym maps a group to unsigned codes over [min, max]. The
// returned (scale, zero) recover values as zero + code*scale.
func quantizeGroupAsym(group []float32, nbits int, dst []uint16) (scale, zero float32) {
	qmax := float32(uint32(1)<<nbits - 1)

	lo, hi := group[0], group[0]
	for _, v := range group[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		for j := range group {
			dst[j] = 0
		}
		return 0, lo
	}
	scale = (hi - lo) / qmax
	for j, v := range group {
		q := float32(math.Round(float64((v - lo) / scale)))
		if q > qmax {
			q = qmax
		} else if q < 0 {
			q = 0
		}
		dst[j] = uint16(q)
	}
	return scale, lo
}
