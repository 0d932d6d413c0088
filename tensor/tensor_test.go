package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlice_SizeMismatch_Fails(t *testing.T) {
	_, err := FromSlice([]float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}

func TestFromSlice_CopiesData(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	tt, err := FromSlice(data, 2, 2)
	require.NoError(t, err)
	data[0] = 99
	assert.Equal(t, float32(1), tt.Data[0])
}

func TestSeqLen_UsesSecondToLastDim(t *testing.T) {
	assert.Equal(t, 5, New(1, 2, 5, 8).SeqLen())
	assert.Equal(t, 5, New(2, 5, 8).SeqLen())
}

func TestConcatSeq_OrdersPositions(t *testing.T) {
	// GIVEN two [1,1,seq,2] blocks with distinct per-position values
	a, err := FromSlice([]float32{1, 1, 2, 2}, 1, 1, 2, 2)
	require.NoError(t, err)
	b, err := FromSlice([]float32{3, 3}, 1, 1, 1, 2)
	require.NoError(t, err)

	// WHEN concatenated along the temporal axis
	out, err := ConcatSeq(a, b)
	require.NoError(t, err)

	// THEN positions appear in append order
	want := &Tensor{Data: []float32{1, 1, 2, 2, 3, 3}, Shape: []int{1, 1, 3, 2}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("concat mismatch (-want +got):\n%s", diff)
	}
}

func TestConcatSeq_MultiOuterDims(t *testing.T) {
	// Two batch entries, one head: each outer block keeps its own positions.
	a, err := FromSlice([]float32{1, 2, 10, 20}, 2, 1, 1, 2)
	require.NoError(t, err)
	b, err := FromSlice([]float32{3, 4, 30, 40}, 2, 1, 1, 2)
	require.NoError(t, err)

	out, err := ConcatSeq(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, out.Data)
}

func TestConcatSeq_EmptyLeft(t *testing.T) {
	b, err := FromSlice([]float32{3, 3}, 1, 1, 1, 2)
	require.NoError(t, err)
	out, err := ConcatSeq(EmptyLike(b), b)
	require.NoError(t, err)
	assert.Equal(t, b.Data, out.Data)
	assert.Equal(t, b.Shape, out.Shape)
}

func TestConcatSeq_ShapeMismatch_Fails(t *testing.T) {
	_, err := ConcatSeq(New(1, 1, 2, 2), New(1, 2, 2, 2))
	assert.Error(t, err)
}

func TestSplitSeq_RoundTripsWithConcat(t *testing.T) {
	orig, err := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 1, 2, 2)
	require.NoError(t, err)

	head, tail, err := SplitSeq(orig, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 2}, head.Shape)
	assert.Equal(t, []int{2, 1, 1, 2}, tail.Shape)

	back, err := ConcatSeq(head, tail)
	require.NoError(t, err)
	if diff := cmp.Diff(orig, back); diff != "" {
		t.Errorf("split+concat not identity (-want +got):\n%s", diff)
	}
}

func TestSplitSeq_OutOfRange_Fails(t *testing.T) {
	_, _, err := SplitSeq(New(1, 1, 2, 2), 3)
	assert.Error(t, err)
}

func TestSplitHeads_StackHeads_Identity(t *testing.T) {
	// [1, 2, 2, 2]: head 0 holds 1..4, head 1 holds 5..8
	orig, err := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	require.NoError(t, err)

	heads, err := SplitHeads(orig)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, []float32{1, 2, 3, 4}, heads[0].Data)
	assert.Equal(t, []float32{5, 6, 7, 8}, heads[1].Data)
	assert.Equal(t, []int{1, 2, 2}, heads[0].Shape)

	back, err := StackHeads(heads)
	require.NoError(t, err)
	if diff := cmp.Diff(orig, back); diff != "" {
		t.Errorf("split+stack not identity (-want +got):\n%s", diff)
	}
}

func TestSplitHeads_BatchInterleaving(t *testing.T) {
	// [2, 2, 1, 1]: layout is b0h0, b0h1, b1h0, b1h1
	orig, err := FromSlice([]float32{1, 2, 3, 4}, 2, 2, 1, 1)
	require.NoError(t, err)

	heads, err := SplitHeads(orig)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 3}, heads[0].Data)
	assert.Equal(t, []float32{2, 4}, heads[1].Data)
}

func TestSplitHeads_RequiresRank4(t *testing.T) {
	_, err := SplitHeads(New(2, 2, 2))
	assert.Error(t, err)
}

func TestStackHeads_MismatchedShapes_Fails(t *testing.T) {
	_, err := StackHeads([]*Tensor{New(1, 2, 2), New(1, 3, 2)})
	assert.Error(t, err)
}

func TestEmptyLike_ZeroSeq(t *testing.T) {
	e := EmptyLike(New(2, 3, 5, 4))
	assert.Equal(t, []int{2, 3, 0, 4}, e.Shape)
	assert.Equal(t, 0, e.SeqLen())
	assert.Empty(t, e.Data)
}

func TestClone_Independent(t *testing.T) {
	a := New(1, 1, 1, 2)
	b := a.Clone()
	b.Data[0] = 7
	assert.Equal(t, float32(0), a.Data[0])
}
