package quant

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/flexquant/flexquant/tensor"
)

// RoundTripStats summarizes the reconstruction error and compression of one
// quantize/dequantize round trip.
type RoundTripStats struct {
	MeanAbsErr       float64
	P50AbsErr        float64
	P99AbsErr        float64
	MaxAbsErr        float64
	RMSE             float64
	RawBytes         int
	CompressedBytes  int
	CompressionRatio float64
}

// MeasureRoundTrip quantizes t with the codec, dequantizes the blob, and
// reports error statistics over all elements plus the achieved compression.
func MeasureRoundTrip(codec Codec, t *tensor.Tensor) (RoundTripStats, error) {
	blob, err := codec.Quantize(t)
	if err != nil {
		return RoundTripStats{}, err
	}
	back, err := codec.Dequantize(blob)
	if err != nil {
		return RoundTripStats{}, err
	}

	absErrs := make([]float64, len(t.Data))
	sqSum := 0.0
	maxErr := 0.0
	for i := range t.Data {
		d := float64(t.Data[i]) - float64(back.Data[i])
		a := math.Abs(d)
		absErrs[i] = a
		sqSum += d * d
		if a > maxErr {
			maxErr = a
		}
	}
	mean := stat.Mean(absErrs, nil)
	sort.Float64s(absErrs)

	s := RoundTripStats{
		MeanAbsErr:      mean,
		P50AbsErr:       stat.Quantile(0.5, stat.Empirical, absErrs, nil),
		P99AbsErr:       stat.Quantile(0.99, stat.Empirical, absErrs, nil),
		MaxAbsErr:       maxErr,
		RMSE:            math.Sqrt(sqSum / float64(len(t.Data))),
		RawBytes:        t.SizeBytes(),
		CompressedBytes: blob.SizeBytes(),
	}
	if s.CompressedBytes > 0 {
		s.CompressionRatio = float64(s.RawBytes) / float64(s.CompressedBytes)
	}
	return s, nil
}
