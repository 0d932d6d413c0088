package quant

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flexquant/flexquant/tensor"
)

// tier is one side (key or value) of a cache entry: a bounded full-precision
// residual buffer plus an optional quantized blob covering everything older.
// The logical sequence is always dequantize(quantized) ++ residual, in that
// order.
type tier struct {
	residual  *tensor.Tensor
	quantized Blob
}

func (t *tier) logicalLen() int {
	n := t.residual.SeqLen()
	if t.quantized != nil {
		n += t.quantized.SeqLen()
	}
	return n
}

func (t *tier) sizeBytes() int {
	n := t.residual.SizeBytes()
	if t.quantized != nil {
		n += t.quantized.SizeBytes()
	}
	return n
}

// first handles the very first block appended to this tier.
//
// With residualLength == 0 the whole block is quantized immediately and the
// residual stays empty. With forceQuant the fully-filled portion (a multiple
// of residualLength) is quantized and only the remainder is kept in full
// precision, so a long prefill never materializes a second full-precision
// copy; the returned history uses the dequantized form. Otherwise the block
// becomes the initial residual untouched.
func (t *tier) first(x *tensor.Tensor, codec Codec, residualLength int, forceQuant bool) (*tensor.Tensor, error) {
	if residualLength == 0 {
		blob, err := codec.Quantize(x)
		if err != nil {
			return nil, err
		}
		t.quantized = blob
		t.residual = tensor.EmptyLike(x)
		return codec.Dequantize(blob)
	}

	if !forceQuant {
		t.residual = x.Clone()
		return x, nil
	}

	filled := x.SeqLen() - x.SeqLen()%residualLength
	if filled == 0 {
		t.residual = x.Clone()
		return x, nil
	}
	head, rest, err := tensor.SplitSeq(x, filled)
	if err != nil {
		return nil, err
	}
	blob, err := codec.Quantize(head)
	if err != nil {
		return nil, err
	}
	t.quantized = blob
	t.residual = rest
	deq, err := codec.Dequantize(blob)
	if err != nil {
		return nil, err
	}
	return tensor.ConcatSeq(deq, rest)
}

// next appends a block to an already-started tier and returns the full
// logical history including the new positions. When merge is set the history
// is re-quantized wholesale and the residual resets to an empty placeholder;
// otherwise the new positions join the residual.
func (t *tier) next(x *tensor.Tensor, codec Codec, merge bool) (*tensor.Tensor, error) {
	hist, err := tensor.ConcatSeq(t.residual, x)
	if err != nil {
		return nil, err
	}
	if t.quantized != nil {
		deq, err := codec.Dequantize(t.quantized)
		if err != nil {
			return nil, err
		}
		if hist, err = tensor.ConcatSeq(deq, hist); err != nil {
			return nil, err
		}
	}

	if merge {
		blob, err := codec.Quantize(hist)
		if err != nil {
			return nil, err
		}
		t.quantized = blob
		t.residual = tensor.EmptyLike(x)
	} else {
		if t.residual, err = tensor.ConcatSeq(t.residual, x); err != nil {
			return nil, err
		}
	}
	return hist, nil
}

// appendParams carries the per-call resolved quantization settings for one
// entry.
type appendParams struct {
	keyCodec       Codec
	valueCodec     Codec
	residualLength int
	forceQuant     bool
}

// cacheEntry is the per-layer (or per-head) append/merge state machine. The
// key and value tiers always hold the same sequence lengths, so one merge
// decision covers both.
type cacheEntry struct {
	key     tier
	value   tier
	started bool
}

func newCacheEntry() *cacheEntry { return &cacheEntry{} }

// append stores a new key/value block and returns the full logical key and
// value histories for this entry, dequantized tier first.
func (e *cacheEntry) append(k, v *tensor.Tensor, p appendParams) (*tensor.Tensor, *tensor.Tensor, error) {
	if k.SeqLen() != v.SeqLen() {
		return nil, nil, fmt.Errorf("key block has %d positions but value block has %d", k.SeqLen(), v.SeqLen())
	}

	if !e.started {
		e.started = true
		keys, err := e.key.first(k, p.keyCodec, p.residualLength, p.forceQuant)
		if err != nil {
			return nil, nil, err
		}
		values, err := e.value.first(v, p.valueCodec, p.residualLength, p.forceQuant)
		if err != nil {
			return nil, nil, err
		}
		return keys, values, nil
	}

	// Merge when the residual would reach capacity. residualLength == 0
	// degenerates to merging on every append.
	merge := e.key.residual.SeqLen()+1 >= p.residualLength
	if merge {
		logrus.Debugf("cache entry: merging %d residual + %d new positions into quantized tier",
			e.key.residual.SeqLen(), k.SeqLen())
	}
	keys, err := e.key.next(k, p.keyCodec, merge)
	if err != nil {
		return nil, nil, err
	}
	values, err := e.value.next(v, p.valueCodec, merge)
	if err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// sizeBytes reports the entry's current storage footprint across both tiers.
func (e *cacheEntry) sizeBytes() int {
	if !e.started {
		return 0
	}
	return e.key.sizeBytes() + e.value.sizeBytes()
}
