package transfer

import "math"

// Confidence scores a transfer from the analog's distance and the weighted
// number of corroborating successful trajectories:
//
//	proximity  = 1 / (1 + distance/DistanceScale)
//	support    = c / (c + SupportHalf)
//	confidence = min(1, proximity * support)
//
// It never increases with distance and never decreases with corroboration.
// Negative or NaN inputs are treated as zero.
func Confidence(distance, corroboration float64, cfg Config) float64 {
	if math.IsNaN(distance) || distance < 0 {
		distance = 0
	}
	if math.IsNaN(corroboration) || corroboration < 0 {
		corroboration = 0
	}
	if math.IsInf(distance, 1) {
		return 0
	}
	proximity := 1 / (1 + distance/cfg.DistanceScale)
	var support float64
	if math.IsInf(corroboration, 1) {
		support = 1
	} else {
		support = corroboration / (corroboration + cfg.SupportHalf)
	}
	return math.Min(1, proximity*support)
}

// corroboration weighs trajectories, synthetic ones at cfg.SyntheticWeight.
func corroboration(synthetic []bool, cfg Config) float64 {
	var c float64
	for _, s := range synthetic {
		if s {
			c += cfg.SyntheticWeight
		} else {
			c++
		}
	}
	return c
}
