package transfer

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config tunes policy lookup and confidence scoring.
type Config struct {
	TopK               int     `yaml:"top_k" validate:"gte=1"`
	BisimilarThreshold float64 `yaml:"bisimilar_threshold" validate:"gt=0"`
	RelatedGoalMin     float64 `yaml:"related_goal_min" validate:"gte=0,lte=1"`
	DistanceScale      float64 `yaml:"distance_scale" validate:"gt=0"`
	SupportHalf        float64 `yaml:"support_half" validate:"gt=0"`
	SyntheticWeight    float64 `yaml:"synthetic_weight" validate:"gte=0,lte=1"`
	// LinkReinforce is added to the goal link after a successful cross-goal transfer.
	LinkReinforce float64 `yaml:"link_reinforce" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the advisor defaults.
func DefaultConfig() Config {
	return Config{
		TopK:               5,
		BisimilarThreshold: 0.5,
		RelatedGoalMin:     0.3,
		DistanceScale:      1.0,
		SupportHalf:        1.0,
		SyntheticWeight:    0.5,
		LinkReinforce:      0.1,
	}
}

var validate = validator.New()

// Validate checks ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}
	return nil
}
