package quant

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flexquant/flexquant/tensor"
)

// layerStorage is the tagged per-layer variant: exactly one of single or
// heads is set, fixed for the cache's lifetime by the configuration mode.
type layerStorage struct {
	single *cacheEntry
	heads  []*cacheEntry
}

// Cache is the flexible quantized KV cache. It keeps the most recent
// positions of every layer in full precision and spills older positions into
// a lossy quantized blob, with the bit-width resolvable per layer or per
// attention head.
//
// A Cache is single-threaded by design: the execution loop appends once per
// layer per generation step, in strictly increasing layer order. Concurrent
// generation sessions need independent Cache instances.
type Cache struct {
	cfg        CacheConfig
	layers     []layerStorage
	seenTokens int
	codecs     map[codecKey]Codec
}

type codecKey struct {
	nbits int
	axis  int
}

// NewCache validates the configuration and constructs the cache. Every
// (nbits, axis) pair the configuration can produce is resolved against the
// backend up front, so unsupported combinations fail here rather than midway
// through generation.
func NewCache(cfg CacheConfig) (*Cache, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		codecs: make(map[codecKey]Codec),
	}
	for _, pair := range cfg.quantPairs() {
		if _, err := c.codecFor(pair[0], pair[1]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Config returns the cache's configuration. Read-only after construction.
func (c *Cache) Config() CacheConfig { return c.cfg }

// codecFor returns the memoized codec instance for a (nbits, axis) pair,
// constructing it on first use.
func (c *Cache) codecFor(nbits, axis int) (Codec, error) {
	key := codecKey{nbits: nbits, axis: axis}
	if codec, ok := c.codecs[key]; ok {
		return codec, nil
	}
	codec, err := NewCodec(c.cfg.Backend, CodecParams{
		Nbits:     nbits,
		Axis:      axis,
		GroupSize: c.cfg.QGroupSize,
		Asym:      c.cfg.Asym,
	})
	if err != nil {
		return nil, err
	}
	c.codecs[key] = codec
	return codec, nil
}

// Append stores the key/value block computed for one layer at the current
// generation step and returns the layer's full logical key and value
// histories (quantized tier dequantized, then residual, then the new
// positions) for the attention computation to consume.
//
// Layers must be first-touched in increasing index order; skipping an index
// fails with ErrSequentialAccess.
func (c *Cache) Append(layerIdx int, keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	// seenTokens is bumped on layer 0 only; it is the single source of truth
	// for the externally reported sequence length.
	if layerIdx == 0 {
		c.seenTokens += keys.SeqLen()
	}
	if layerIdx > len(c.layers) {
		return nil, nil, fmt.Errorf("%w: layer %d touched before layer %d", ErrSequentialAccess, layerIdx, len(c.layers))
	}
	if c.cfg.perHeadActive() {
		return c.appendPerHead(layerIdx, keys, values)
	}
	return c.appendWholeLayer(layerIdx, keys, values)
}

// appendWholeLayer delegates the whole layer block to one entry, resolving
// the bit-widths from the per-layer table when active.
func (c *Cache) appendWholeLayer(layerIdx int, keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	nbitsKey, nbitsValue := c.cfg.NbitsKey, c.cfg.NbitsValue
	if c.cfg.perLayerActive() {
		lq, ok := c.cfg.PerLayer[layerIdx]
		if !ok {
			return nil, nil, fmt.Errorf("%w: per-layer table has no entry for layer %d", ErrConfig, layerIdx)
		}
		nbitsKey, nbitsValue = lq.NbitsKey, lq.NbitsValue
	}
	params, err := c.resolveParams(nbitsKey, nbitsValue)
	if err != nil {
		return nil, nil, err
	}

	if layerIdx == len(c.layers) {
		logrus.Debugf("cache: creating entry for layer %d (nbits key=%d value=%d)", layerIdx, nbitsKey, nbitsValue)
		c.layers = append(c.layers, layerStorage{single: newCacheEntry()})
	}
	return c.layers[layerIdx].single.append(keys, values, params)
}

// appendPerHead splits the block by head, delegates each head's slice to its
// own entry so merge timing can differ per head, and reassembles the results
// in the original head order.
func (c *Cache) appendPerHead(layerIdx int, keys, values *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if keys.Rank() != 4 || values.Rank() != 4 {
		return nil, nil, fmt.Errorf("%w: per-head quantization requires 4-d [batch, heads, seq, dim] blocks, got %d-d keys and %d-d values",
			ErrConfig, keys.Rank(), values.Rank())
	}
	headCfg, ok := c.cfg.PerHead[layerIdx]
	if !ok {
		return nil, nil, fmt.Errorf("%w: per-head table has no entry for layer %d", ErrConfig, layerIdx)
	}
	numHeads := keys.Shape[1]
	if numHeads != len(headCfg) {
		return nil, nil, fmt.Errorf("%w: model has %d heads at layer %d but the per-head table configures %d; the config file does not match the model",
			ErrConfig, numHeads, layerIdx, len(headCfg))
	}

	// Resolve every head's codecs before touching storage so a bad table
	// leaves no partially-constructed entries behind.
	params := make([]appendParams, numHeads)
	for h := 0; h < numHeads; h++ {
		lq, ok := headCfg[h]
		if !ok {
			return nil, nil, fmt.Errorf("%w: per-head table for layer %d has no entry for head %d", ErrConfig, layerIdx, h)
		}
		p, err := c.resolveParams(lq.NbitsKey, lq.NbitsValue)
		if err != nil {
			return nil, nil, err
		}
		params[h] = p
	}

	keySlices, err := tensor.SplitHeads(keys)
	if err != nil {
		return nil, nil, err
	}
	valueSlices, err := tensor.SplitHeads(values)
	if err != nil {
		return nil, nil, err
	}

	if layerIdx == len(c.layers) {
		logrus.Debugf("cache: creating %d per-head entries for layer %d", numHeads, layerIdx)
		entries := make([]*cacheEntry, numHeads)
		for h := range entries {
			entries[h] = newCacheEntry()
		}
		c.layers = append(c.layers, layerStorage{heads: entries})
	}

	entries := c.layers[layerIdx].heads
	outKeys := make([]*tensor.Tensor, numHeads)
	outValues := make([]*tensor.Tensor, numHeads)
	for h := 0; h < numHeads; h++ {
		outKeys[h], outValues[h], err = entries[h].append(keySlices[h], valueSlices[h], params[h])
		if err != nil {
			return nil, nil, err
		}
	}

	keysOut, err := tensor.StackHeads(outKeys)
	if err != nil {
		return nil, nil, err
	}
	valuesOut, err := tensor.StackHeads(outValues)
	if err != nil {
		return nil, nil, err
	}
	return keysOut, valuesOut, nil
}

// resolveParams builds the append parameters for one entry from resolved
// key/value bit-widths and the global axes.
func (c *Cache) resolveParams(nbitsKey, nbitsValue int) (appendParams, error) {
	keyCodec, err := c.codecFor(nbitsKey, c.cfg.AxisKey)
	if err != nil {
		return appendParams{}, err
	}
	valueCodec, err := c.codecFor(nbitsValue, c.cfg.AxisValue)
	if err != nil {
		return appendParams{}, err
	}
	return appendParams{
		keyCodec:       keyCodec,
		valueCodec:     valueCodec,
		residualLength: c.cfg.ResidualLength,
		forceQuant:     c.cfg.ForceQuant,
	}, nil
}

// SeqLen returns the cached sequence length for a layer: zero before the
// layer is first touched, the full seen-token count at layer 0, and the
// seen-token count minus one elsewhere.
//
// The off-by-one for non-zero layers is deliberate: seenTokens advances when
// layer 0 is appended at the start of a step, so between that append and the
// later layers' appends the counter runs one position ahead of every other
// layer. Callers depend on the exact value for attention-shape bookkeeping,
// so this compensation must not be "fixed".
func (c *Cache) SeqLen(layerIdx int) int {
	if layerIdx >= len(c.layers) {
		return 0
	}
	if layerIdx == 0 {
		return c.seenTokens
	}
	return c.seenTokens - 1
}

// SeenTokens returns the total number of positions appended at layer 0.
func (c *Cache) SeenTokens() int { return c.seenTokens }

// NumLayers returns the number of layers touched so far.
func (c *Cache) NumLayers() int { return len(c.layers) }

// MemoryFootprint returns the cache's current storage size in bytes across
// both tiers of every entry: full-precision residuals plus compressed blobs
// and their metadata.
func (c *Cache) MemoryFootprint() int {
	total := 0
	for _, layer := range c.layers {
		if layer.single != nil {
			total += layer.single.sizeBytes()
		}
		for _, e := range layer.heads {
			total += e.sizeBytes()
		}
	}
	return total
}
