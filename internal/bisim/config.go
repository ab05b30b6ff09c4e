package bisim

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// #region config

// Weights scales the four distance terms.
type Weights struct {
	Reward  float64 `yaml:"reward" validate:"gte=0"`
	Feature float64 `yaml:"feature" validate:"gte=0"`
	Action  float64 `yaml:"action" validate:"gte=0"`
	Goal    float64 `yaml:"goal" validate:"gte=0"`
}

// Config holds the distance engine's tunables.
type Config struct {
	Weights Weights `yaml:"weights"`

	// Gamma discounts the feature term. Must be in [0, 1).
	Gamma float64 `yaml:"gamma" validate:"gte=0,lt=1"`

	// L1Blend mixes L1 (1.0) and L2 (0.0) over shared numeric features.
	L1Blend float64 `yaml:"l1_blend" validate:"gte=0,lte=1"`

	// CategoricalPenalty is added per mismatched categorical feature.
	CategoricalPenalty float64 `yaml:"categorical_penalty" validate:"gte=0"`

	// TextPenalty scales token-set dissimilarity of text features.
	TextPenalty float64 `yaml:"text_penalty" validate:"gte=0"`

	// MissingPenalty scales the fraction of feature keys only one state has.
	MissingPenalty float64 `yaml:"missing_penalty" validate:"gte=0"`

	// CacheSize bounds the in-memory distance cache.
	CacheSize int `yaml:"cache_size" validate:"gt=0"`

	// Workers bounds concurrent distance computations in clustering and analogy search.
	Workers int `yaml:"workers" validate:"gt=0"`

	// RelatedGoalMin is the similarity needed to borrow states from another goal
	// when the requested goal has no history.
	RelatedGoalMin float64 `yaml:"related_goal_min" validate:"gte=0,lte=1"`

	// DefaultTopK applies when FindAnalogies is called with topK <= 0.
	DefaultTopK int `yaml:"default_top_k" validate:"gt=0"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Reward: 1.0, Feature: 1.0, Action: 0.5, Goal: 1.0},
		Gamma:              0.9,
		L1Blend:            0.5,
		CategoricalPenalty: 1.0,
		TextPenalty:        0.5,
		MissingPenalty:     0.5,
		CacheSize:          65536,
		Workers:            8,
		RelatedGoalMin:     0.3,
		DefaultTopK:        5,
	}
}

var validate = validator.New()

// Validate checks ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("distance config: %w", err)
	}
	return nil
}

// #endregion config
