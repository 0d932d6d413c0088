// Package tensor provides the minimal dense float32 tensor the quantized KV
// cache operates on. Layer blocks are 4-D [batch, heads, seq, headDim] and
// per-head slices are 3-D [batch, seq, headDim]; in both layouts the temporal
// axis is the second-to-last dimension, which is all the cache ever
// concatenates or splits along.
package tensor

import "fmt"

// Tensor is a dense multi-dimensional array of float32 values stored in a
// flat row-major slice.
type Tensor struct {
	Data  []float32
	Shape []int
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps a copy of data in a tensor of the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, size)
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// NumElements returns the total element count.
func (t *Tensor) NumElements() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// SeqLen returns the length of the temporal axis (dimension rank-2).
// Rank must be at least 2.
func (t *Tensor) SeqLen() int { return t.Shape[len(t.Shape)-2] }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: append([]int(nil), t.Shape...),
	}
	copy(out.Data, t.Data)
	return out
}

// SizeBytes returns the full-precision storage size of the tensor payload.
func (t *Tensor) SizeBytes() int { return 4 * len(t.Data) }

// EmptyLike returns a tensor with the same shape as t except the temporal
// axis has length zero. Used as the residual-tier placeholder after a merge.
func EmptyLike(t *Tensor) *Tensor {
	shape := append([]int(nil), t.Shape...)
	shape[len(shape)-2] = 0
	return New(shape...)
}

// seqDims decomposes a shape into (outer, seq, inner) extents around the
// temporal axis.
func seqDims(shape []int) (outer, seq, inner int) {
	r := len(shape)
	outer = 1
	for _, d := range shape[:r-2] {
		outer *= d
	}
	return outer, shape[r-2], shape[r-1]
}

// sameButSeq reports whether two shapes agree on every dimension except the
// temporal axis.
func sameButSeq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if i != len(a)-2 && a[i] != b[i] {
			return false
		}
	}
	return true
}

// ConcatSeq concatenates a and b along the temporal axis. Both tensors must
// have rank >= 2 and agree on every other dimension.
func ConcatSeq(a, b *Tensor) (*Tensor, error) {
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("concat requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}
	if !sameButSeq(a.Shape, b.Shape) {
		return nil, fmt.Errorf("concat shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	outer, aSeq, inner := seqDims(a.Shape)
	_, bSeq, _ := seqDims(b.Shape)

	shape := append([]int(nil), a.Shape...)
	shape[len(shape)-2] = aSeq + bSeq
	out := New(shape...)

	aBlock := aSeq * inner
	bBlock := bSeq * inner
	for o := 0; o < outer; o++ {
		dst := out.Data[o*(aBlock+bBlock):]
		copy(dst[:aBlock], a.Data[o*aBlock:(o+1)*aBlock])
		copy(dst[aBlock:aBlock+bBlock], b.Data[o*bBlock:(o+1)*bBlock])
	}
	return out, nil
}

// SplitSeq splits t along the temporal axis into [0, at) and [at, seq).
func SplitSeq(t *Tensor, at int) (*Tensor, *Tensor, error) {
	if t.Rank() < 2 {
		return nil, nil, fmt.Errorf("split requires rank >= 2, got %d", t.Rank())
	}
	outer, seq, inner := seqDims(t.Shape)
	if at < 0 || at > seq {
		return nil, nil, fmt.Errorf("split point %d out of range [0, %d]", at, seq)
	}

	headShape := append([]int(nil), t.Shape...)
	headShape[len(headShape)-2] = at
	tailShape := append([]int(nil), t.Shape...)
	tailShape[len(tailShape)-2] = seq - at

	head := New(headShape...)
	tail := New(tailShape...)
	for o := 0; o < outer; o++ {
		src := t.Data[o*seq*inner:]
		copy(head.Data[o*at*inner:(o+1)*at*inner], src[:at*inner])
		copy(tail.Data[o*(seq-at)*inner:(o+1)*(seq-at)*inner], src[at*inner:seq*inner])
	}
	return head, tail, nil
}

// SplitHeads slices a 4-D [batch, heads, seq, headDim] block into one 3-D
// [batch, seq, headDim] tensor per head, preserving head order.
func SplitHeads(t *Tensor) ([]*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("head split requires a 4-d block, got %d-d", t.Rank())
	}
	batch, heads, seq, dim := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := make([]*Tensor, heads)
	for h := 0; h < heads; h++ {
		slice := New(batch, seq, dim)
		for b := 0; b < batch; b++ {
			src := t.Data[((b*heads+h)*seq)*dim:]
			copy(slice.Data[b*seq*dim:(b+1)*seq*dim], src[:seq*dim])
		}
		out[h] = slice
	}
	return out, nil
}

// StackHeads reassembles per-head 3-D slices into a 4-D block, inverse of
// SplitHeads. All slices must share one shape.
func StackHeads(slices []*Tensor) (*Tensor, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("cannot stack zero head slices")
	}
	first := slices[0]
	if first.Rank() != 3 {
		return nil, fmt.Errorf("head stack requires 3-d slices, got %d-d", first.Rank())
	}
	batch, seq, dim := first.Shape[0], first.Shape[1], first.Shape[2]
	for h, s := range slices {
		if s.Rank() != 3 || s.Shape[0] != batch || s.Shape[1] != seq || s.Shape[2] != dim {
			return nil, fmt.Errorf("head %d shape %v does not match head 0 shape %v", h, s.Shape, first.Shape)
		}
	}
	out := New(batch, len(slices), seq, dim)
	for h, s := range slices {
		for b := 0; b < batch; b++ {
			dst := out.Data[((b*len(slices)+h)*seq)*dim:]
			copy(dst[:seq*dim], s.Data[b*seq*dim:(b+1)*seq*dim])
		}
	}
	return out, nil
}
