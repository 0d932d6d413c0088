package quant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LayerQuant holds the bit-width override for one layer (or one head).
type LayerQuant struct {
	NbitsKey   int `yaml:"nbits_key"`
	NbitsValue int `yaml:"nbits_value"`
}

// CacheConfig is the process-wide configuration for one cache instance.
// It is immutable after NewCache and may be shared by reference.
//
// NbitsKey/NbitsValue fall back to Nbits when left zero. When a per-layer or
// per-head table is set, the global bit-widths are unused and conventionally
// set to -1.
type CacheConfig struct {
	Backend        string `yaml:"backend"`
	Nbits          int    `yaml:"nbits"`
	NbitsKey       int    `yaml:"nbits_key"`
	NbitsValue     int    `yaml:"nbits_value"`
	AxisKey        int    `yaml:"axis_key"`
	AxisValue      int    `yaml:"axis_value"`
	Asym           bool   `yaml:"asym"`
	QGroupSize     int    `yaml:"q_group_size"`
	ResidualLength int    `yaml:"residual_length"`
	ForceQuant     bool   `yaml:"force_quant"`

	// PerLayer maps layer index to a bit-width override. Mutually exclusive
	// with PerHead.
	PerLayer map[int]LayerQuant `yaml:"per_layer"`
	// PerHead maps layer index to head index to a bit-width override.
	// Head indices for each layer must be exactly 0..H-1.
	PerHead map[int]map[int]LayerQuant `yaml:"per_head"`
}

// DefaultCacheConfig returns the baseline configuration: 4-bit affine
// quantization per token with 64-element groups and a 128-position residual.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:        BackendAffine,
		Nbits:          4,
		AxisKey:        AxisToken,
		AxisValue:      AxisToken,
		QGroupSize:     64,
		ResidualLength: 128,
	}
}

// normalize applies the nbits fallback to the key/value bit-widths.
func (c *CacheConfig) normalize() {
	if c.NbitsKey == 0 {
		c.NbitsKey = c.Nbits
	}
	if c.NbitsValue == 0 {
		c.NbitsValue = c.Nbits
	}
}

// perLayerActive reports whether per-layer overrides are in effect.
func (c *CacheConfig) perLayerActive() bool { return c.PerLayer != nil }

// perHeadActive reports whether per-head overrides are in effect.
func (c *CacheConfig) perHeadActive() bool { return c.PerHead != nil }

// Validate checks the structural invariants of the configuration. Backend
// support for concrete (nbits, axis) pairs is checked by the codec
// constructors, which NewCache invokes eagerly for every pair the
// configuration can produce.
func (c *CacheConfig) Validate() error {
	if !ValidBackends[c.Backend] {
		return fmt.Errorf("%w: unknown backend %q", ErrConfig, c.Backend)
	}
	if c.perLayerActive() && c.perHeadActive() {
		return fmt.Errorf("%w: per-layer and per-head quantization cannot be enabled at the same time", ErrConfig)
	}
	if c.ResidualLength < 0 {
		return fmt.Errorf("%w: residual_length must be >= 0, got %d", ErrConfig, c.ResidualLength)
	}
	if c.QGroupSize == 0 || c.QGroupSize < -1 {
		return fmt.Errorf("%w: q_group_size must be positive or -1, got %d", ErrConfig, c.QGroupSize)
	}
	if !c.perLayerActive() && !c.perHeadActive() {
		if c.NbitsKey < 1 || c.NbitsValue < 1 {
			return fmt.Errorf("%w: nbits_key and nbits_value must be >= 1, got %d and %d",
				ErrConfig, c.NbitsKey, c.NbitsValue)
		}
	}
	for layer, lq := range c.PerLayer {
		if lq.NbitsKey < 1 || lq.NbitsValue < 1 {
			return fmt.Errorf("%w: per-layer entry for layer %d has invalid nbits (%d key, %d value)",
				ErrConfig, layer, lq.NbitsKey, lq.NbitsValue)
		}
	}
	for layer, heads := range c.PerHead {
		for h := 0; h < len(heads); h++ {
			lq, ok := heads[h]
			if !ok {
				return fmt.Errorf("%w: per-head table for layer %d is missing head %d (head indices must be 0..%d)",
					ErrConfig, layer, h, len(heads)-1)
			}
			if lq.NbitsKey < 1 || lq.NbitsValue < 1 {
				return fmt.Errorf("%w: per-head entry for layer %d head %d has invalid nbits (%d key, %d value)",
					ErrConfig, layer, h, lq.NbitsKey, lq.NbitsValue)
			}
		}
	}
	return nil
}

// quantPairs enumerates every (nbits, axis) pair the configuration can ask a
// codec for, so NewCache can fail fast on unsupported combinations.
func (c *CacheConfig) quantPairs() [][2]int {
	seen := map[[2]int]bool{}
	var pairs [][2]int
	add := func(nbits, axis int) {
		p := [2]int{nbits, axis}
		if nbits >= 1 && !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	if !c.perLayerActive() && !c.perHeadActive() {
		add(c.NbitsKey, c.AxisKey)
		add(c.NbitsValue, c.AxisValue)
	}
	for _, lq := range c.PerLayer {
		add(lq.NbitsKey, c.AxisKey)
		add(lq.NbitsValue, c.AxisValue)
	}
	for _, heads := range c.PerHead {
		for _, lq := range heads {
			add(lq.NbitsKey, c.AxisKey)
			add(lq.NbitsValue, c.AxisValue)
		}
	}
	return pairs
}

// LoadCacheConfig reads a full cache configuration from a YAML file.
func LoadCacheConfig(path string) (*CacheConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cache config: %w", err)
	}
	cfg := DefaultCacheConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing cache config: %w", err)
	}
	return &cfg, nil
}

// LoadPerLayerConfig reads a per-layer bit-width table from a YAML file of
// the form {layer_index: {nbits_key: K, nbits_value: V}}.
func LoadPerLayerConfig(path string) (map[int]LayerQuant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading per-layer config: %w", err)
	}
	var table map[int]LayerQuant
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing per-layer config: %w", err)
	}
	return table, nil
}

// LoadPerHeadConfig reads a per-head bit-width table from a YAML file of the
// form {layer_index: {head_index: {nbits_key: K, nbits_value: V}}}.
func LoadPerHeadConfig(path string) (map[int]map[int]LayerQuant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading per-head config: %w", err)
	}
	var table map[int]map[int]LayerQuant
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing per-head config: %w", err)
	}
	return table, nil
}
