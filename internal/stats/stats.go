// Package stats aggregates measurement samples into the statistical summary
// recorded in the result matrix.
package stats

import (
	"math"

	"github.com/quic-interop/satrunner/pkg/interop/model"
)

// Two-sided 95% Student-t quantiles by degrees of freedom. Beyond the table
// the normal approximation is close enough.
var tTable = []float64{
	0, // df=0, unused
	12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
	2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
	2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042,
}

func tQuantile(df int) float64 {
	if df <= 0 {
		return math.NaN()
	}
	if df < len(tTable) {
		return tTable[df]
	}
	return 1.960
}

// Aggregate computes the summary over the usable samples of one measurement
// cell. Flagged samples (clock anomalies) are excluded from the computation
// but must be kept in the caller's raw records. The result is independent of
// the order of the input samples.
//
// With fewer than two usable samples the standard deviation and confidence
// bounds are nil: they are undefined, which is not the same as zero.
func Aggregate(samples []model.MeasurementSample) model.StatSummary {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Flagged {
			continue
		}
		sum += s.Efficiency
		n++
	}
	summary := model.StatSummary{Count: n}
	if n == 0 {
		return summary
	}
	mean := sum / float64(n)
	summary.MeanEfficiency = mean
	if n < 2 {
		return summary
	}

	var sqsum float64
	for _, s := range samples {
		if s.Flagged {
			continue
		}
		d := s.Efficiency - mean
		sqsum += d * d
	}
	sd := math.Sqrt(sqsum / float64(n-1))
	half := tQuantile(n-1) * sd / math.Sqrt(float64(n))
	lo, hi := mean-half, mean+half
	summary.StdDev = &sd
	summary.CILow = &lo
	summary.CIHigh = &hi
	return summary
}
