package transfer

import (
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// MinBinSamples is the number of records a bin needs before its success rate
// is reported as meaningful.
const MinBinSamples = 3

// CalibrationBin compares predicted confidence with realised success for
// records whose confidence fell in [Lower, Upper).
type CalibrationBin struct {
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
	SuccessRate    float64 `json:"success_rate"`
	// Reliable is false below MinBinSamples records.
	Reliable bool `json:"reliable"`
}

// CalibrationReport summarises how well confidence predicted outcomes.
type CalibrationReport struct {
	Records int              `json:"records"`
	Brier   float64          `json:"brier"`
	Bins    []CalibrationBin `json:"bins"`
}

// Calibrate buckets transfer records by predicted confidence. Each record is
// weighted by exp(-age/halfLife) so recent outcomes dominate; a zero halfLife
// weights every record equally. Brier is the weighted mean squared error of
// confidence against the 0/1 outcome.
func Calibrate(records []model.TransferRecord, bins int, halfLife time.Duration, now time.Time) CalibrationReport {
	if bins < 1 {
		bins = 1
	}
	type binAccum struct {
		weight     float64
		confidence float64
		success    float64
		count      int
	}
	accum := make([]binAccum, bins)

	var brierSum, totalWeight float64
	for _, r := range records {
		w := 1.0
		if halfLife > 0 {
			age := now.Sub(r.CreatedAt).Hours()
			if age < 0 {
				age = 0
			}
			w = math.Exp(-age / halfLife.Hours())
		}
		outcome := 0.0
		if r.Succeeded {
			outcome = 1
		}
		c := math.Max(0, math.Min(1, r.Confidence))

		i := int(c * float64(bins))
		if i >= bins {
			i = bins - 1
		}
		accum[i].weight += w
		accum[i].confidence += c * w
		accum[i].success += outcome * w
		accum[i].count++

		brierSum += (c - outcome) * (c - outcome) * w
		totalWeight += w
	}

	report := CalibrationReport{Records: len(records), Bins: make([]CalibrationBin, bins)}
	if totalWeight > 0 {
		report.Brier = brierSum / totalWeight
	}
	width := 1 / float64(bins)
	for i, a := range accum {
		b := CalibrationBin{
			Lower:    float64(i) * width,
			Upper:    float64(i+1) * width,
			Count:    a.count,
			Reliable: a.count >= MinBinSamples,
		}
		if a.weight > 0 {
			b.MeanConfidence = a.confidence / a.weight
			b.SuccessRate = a.success / a.weight
		}
		report.Bins[i] = b
	}
	return report
}
