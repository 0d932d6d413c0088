package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasureRoundTrip_StatsAreCoherent(t *testing.T) {
	block := gaussianBlock(t, 41, 1, 8, 64, 64)
	codec := mustCodec(t, BackendAffine, CodecParams{Nbits: 4, Axis: AxisToken, GroupSize: 64})

	stats, err := MeasureRoundTrip(codec, block)
	require.NoError(t, err)

	assert.Greater(t, stats.MeanAbsErr, 0.0)
	assert.LessOrEqual(t, stats.P50AbsErr, stats.P99AbsErr)
	assert.LessOrEqual(t, stats.P99AbsErr, stats.MaxAbsErr)
	assert.LessOrEqual(t, stats.MeanAbsErr, stats.MaxAbsErr)
	assert.Greater(t, stats.RMSE, 0.0)
	assert.Equal(t, block.SizeBytes(), stats.RawBytes)
	assert.Greater(t, stats.CompressionRatio, 1.0)
}

func TestMeasureRoundTrip_ErrorOrderingAcrossNbits(t *testing.T) {
	block := gaussianBlock(t, 43, 1, 4, 64, 64)

	low := mustCodec(t, BackendAffine, CodecParams{Nbits: 2, Axis: AxisToken, GroupSize: 64})
	high := mustCodec(t, BackendAffine, CodecParams{Nbits: 8, Axis: AxisToken, GroupSize: 64})

	lowStats, err := MeasureRoundTrip(low, block)
	require.NoError(t, err)
	highStats, err := MeasureRoundTrip(high, block)
	require.NoError(t, err)

	assert.Less(t, highStats.MeanAbsErr, lowStats.MeanAbsErr)
	assert.Less(t, highStats.RMSE, lowStats.RMSE)
	assert.Greater(t, lowStats.CompressionRatio, highStats.CompressionRatio)
}
