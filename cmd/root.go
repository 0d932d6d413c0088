package cmd

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flexquant/flexquant/quant"
	"github.com/flexquant/flexquant/tensor"
)

var (
	// CLI flags for the cache configuration
	logLevel        string // Log verbosity level
	backend         string // Quantization backend: affine, channelwise or vanilla
	nbits           int    // Bit-width for both keys and values
	nbitsKey        int    // Bit-width for keys (overrides nbits when set)
	nbitsValue      int    // Bit-width for values (overrides nbits when set)
	axisKey         int    // Quantization axis for keys
	axisValue       int    // Quantization axis for values
	asym            bool   // Asymmetric quantization (vanilla backend)
	qGroupSize      int    // Elements per quantization group (-1 = per lane)
	residualLength  int    // Max positions kept in full precision per entry
	forceQuant      bool   // Quantize the prefill immediately
	cacheConfigPath string // Full cache config YAML (overrides other flags)
	perLayerConfig  string // Per-layer bit-width table YAML
	perHeadConfig   string // Per-head bit-width table YAML

	// CLI flags for the synthetic generation workload
	seed        int64 // Seed for synthetic key/value generation
	numLayers   int   // Transformer layers to simulate
	numHeads    int   // Attention heads per layer
	headDim     int   // Dimension per head
	batchSize   int   // Batch size
	prefillLen  int   // Positions in the prefill block (step 0)
	decodeSteps int   // Single-token decode steps after prefill
	reportEvery int   // Log cache state every N decode steps
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "flexquant",
	Short: "Flexible quantized KV cache for autoregressive generation",
}

// buildCacheConfig assembles the cache configuration from flags and optional
// YAML files.
func buildCacheConfig() (quant.CacheConfig, error) {
	cfg := quant.DefaultCacheConfig()
	if cacheConfigPath != "" {
		loaded, err := quant.LoadCacheConfig(cacheConfigPath)
		if err != nil {
			return quant.CacheConfig{}, err
		}
		cfg = *loaded
	} else {
		cfg.Backend = backend
		cfg.Nbits = nbits
		cfg.NbitsKey = nbitsKey
		cfg.NbitsValue = nbitsValue
		cfg.AxisKey = axisKey
		cfg.AxisValue = axisValue
		cfg.Asym = asym
		cfg.QGroupSize = qGroupSize
		cfg.ResidualLength = residualLength
		cfg.ForceQuant = forceQuant
	}
	if perLayerConfig != "" {
		table, err := quant.LoadPerLayerConfig(perLayerConfig)
		if err != nil {
			return quant.CacheConfig{}, err
		}
		cfg.PerLayer = table
	}
	if perHeadConfig != "" {
		table, err := quant.LoadPerHeadConfig(perHeadConfig)
		if err != nil {
			return quant.CacheConfig{}, err
		}
		cfg.PerHead = table
	}
	return cfg, nil
}

// randBlock draws a synthetic key or value block with the given number of
// positions.
func randBlock(rng *rand.Rand, positions int) *tensor.Tensor {
	t := tensor.New(batchSize, numHeads, positions, headDim)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// runCmd drives a synthetic generation loop against the cache: one prefill
// block followed by single-token decode steps, appending once per layer per
// step the way a model execution loop would.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic generation loop against the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildCacheConfig()
		if err != nil {
			return err
		}
		cache, err := quant.NewCache(cfg)
		if err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(seed))
		rawBytesPerStep := 0

		for step := 0; step <= decodeSteps; step++ {
			positions := 1
			if step == 0 {
				positions = prefillLen
			}
			for layer := 0; layer < numLayers; layer++ {
				keys := randBlock(rng, positions)
				values := randBlock(rng, positions)
				rawBytesPerStep += keys.SizeBytes() + values.SizeBytes()
				if _, _, err := cache.Append(layer, keys, values); err != nil {
					return err
				}
			}
			if step > 0 && reportEvery > 0 && step%reportEvery == 0 {
				logrus.Infof("step %4d: seq_len=%d cache=%d bytes (raw would be %d)",
					step, cache.SeqLen(0), cache.MemoryFootprint(), rawBytesPerStep)
			}
		}

		logrus.Infof("done: %d layers, seq_len=%d", cache.NumLayers(), cache.SeqLen(0))
		logrus.Infof("cache footprint %d bytes vs %d bytes full precision (%.1fx smaller)",
			cache.MemoryFootprint(), rawBytesPerStep,
			float64(rawBytesPerStep)/float64(cache.MemoryFootprint()))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: panic, fatal, error, warn, info, debug, trace")

	runCmd.Flags().StringVar(&backend, "backend", quant.BackendAffine, "Quantization backend: affine, channelwise, vanilla")
	runCmd.Flags().IntVar(&nbits, "nbits", 4, "Bit-width for keys and values")
	runCmd.Flags().IntVar(&nbitsKey, "nbits-key", 0, "Bit-width for keys (0 = use --nbits)")
	runCmd.Flags().IntVar(&nbitsValue, "nbits-value", 0, "Bit-width for values (0 = use --nbits)")
	runCmd.Flags().IntVar(&axisKey, "axis-key", quant.AxisToken, "Quantization axis for keys")
	runCmd.Flags().IntVar(&axisValue, "axis-value", quant.AxisToken, "Quantization axis for values")
	runCmd.Flags().BoolVar(&asym, "asym", false, "Asymmetric quantization (vanilla backend only)")
	runCmd.Flags().IntVar(&qGroupSize, "q-group-size", 64, "Elements per quantization group (-1 = one group per lane)")
	runCmd.Flags().IntVar(&residualLength, "residual-length", 128, "Max full-precision positions per entry (0 = quantize every append)")
	runCmd.Flags().BoolVar(&forceQuant, "force-quant", false, "Quantize the prefill immediately")
	runCmd.Flags().StringVar(&cacheConfigPath, "cache-config", "", "Path to a full cache config YAML")
	runCmd.Flags().StringVar(&perLayerConfig, "per-layer-config", "", "Path to a per-layer bit-width table YAML")
	runCmd.Flags().StringVar(&perHeadConfig, "per-head-config", "", "Path to a per-head bit-width table YAML")

	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for synthetic key/value generation")
	runCmd.Flags().IntVar(&numLayers, "layers", 8, "Transformer layers to simulate")
	runCmd.Flags().IntVar(&numHeads, "heads", 8, "Attention heads per layer")
	runCmd.Flags().IntVar(&headDim, "head-dim", 64, "Dimension per head")
	runCmd.Flags().IntVar(&batchSize, "batch", 1, "Batch size")
	runCmd.Flags().IntVar(&prefillLen, "prefill", 256, "Positions in the prefill block")
	runCmd.Flags().IntVar(&decodeSteps, "steps", 512, "Single-token decode steps after prefill")
	runCmd.Flags().IntVar(&reportEvery, "report-every", 128, "Log cache state every N decode steps (0 = never)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(calibrateCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
