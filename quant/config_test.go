package quant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCacheConfig_FieldEquivalence(t *testing.T) {
	got := DefaultCacheConfig()
	want := CacheConfig{
		Backend:        BackendAffine,
		Nbits:          4,
		AxisKey:        AxisToken,
		AxisValue:      AxisToken,
		QGroupSize:     64,
		ResidualLength: 128,
	}
	assert.Equal(t, want, got)
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.Backend = "hqq"
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidate_RejectsBothOverrideModes(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.PerLayer = map[int]LayerQuant{0: {NbitsKey: 4, NbitsValue: 4}}
	cfg.PerHead = map[int]map[int]LayerQuant{0: {0: {NbitsKey: 4, NbitsValue: 4}}}
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidate_RejectsNegativeResidualLength(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.ResidualLength = -1
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidate_RejectsZeroGroupSize(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.QGroupSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidate_RejectsNonContiguousHeadIndices(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.Nbits = -1
	cfg.PerHead = map[int]map[int]LayerQuant{
		0: {0: {NbitsKey: 4, NbitsValue: 4}, 2: {NbitsKey: 4, NbitsValue: 4}},
	}
	cfg.normalize()
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidate_RejectsInvalidTableNbits(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.Nbits = -1
	cfg.normalize()
	cfg.PerLayer = map[int]LayerQuant{0: {NbitsKey: 0, NbitsValue: 4}}
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func writeTempYAML(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPerLayerConfig_ParsesTable(t *testing.T) {
	path := writeTempYAML(t, "per_layer.yaml", `
0:
  nbits_key: 8
  nbits_value: 8
1:
  nbits_key: 2
  nbits_value: 4
`)
	table, err := LoadPerLayerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[int]LayerQuant{
		0: {NbitsKey: 8, NbitsValue: 8},
		1: {NbitsKey: 2, NbitsValue: 4},
	}, table)
}

func TestLoadPerHeadConfig_ParsesNestedTable(t *testing.T) {
	path := writeTempYAML(t, "per_head.yaml", `
0:
  0:
    nbits_key: 4
    nbits_value: 4
  1:
    nbits_key: 2
    nbits_value: 2
`)
	table, err := LoadPerHeadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[int]map[int]LayerQuant{
		0: {
			0: {NbitsKey: 4, NbitsValue: 4},
			1: {NbitsKey: 2, NbitsValue: 2},
		},
	}, table)
}

func TestLoadCacheConfig_OverlaysDefaults(t *testing.T) {
	path := writeTempYAML(t, "cache.yaml", `
backend: vanilla
nbits: 2
asym: true
residual_length: 32
`)
	cfg, err := LoadCacheConfig(path)
	require.NoError(t, err)
	assert.Equal(t, BackendVanilla, cfg.Backend)
	assert.Equal(t, 2, cfg.Nbits)
	assert.True(t, cfg.Asym)
	assert.Equal(t, 32, cfg.ResidualLength)
	// Unset fields keep their defaults.
	assert.Equal(t, 64, cfg.QGroupSize)
}

func TestLoadCacheConfig_MissingFile_Fails(t *testing.T) {
	_, err := LoadCacheConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadPerLayerConfig_MalformedYAML_Fails(t *testing.T) {
	path := writeTempYAML(t, "bad.yaml", "0: [not, a, table")
	_, err := LoadPerLayerConfig(path)
	assert.Error(t, err)
}
