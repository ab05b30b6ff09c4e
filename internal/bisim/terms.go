package bisim

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// Breakdown itemises a distance. Term fields are unweighted; Total applies
// the configured weights and the feature discount.
type Breakdown struct {
	Reward  float64 `json:"reward"`
	Feature float64 `json:"feature"`
	Action  float64 `json:"action"`
	Goal    float64 `json:"goal"`
	Total   float64 `json:"total"`
}

// #region compute

// computeBreakdown evaluates the four terms for a pair of states. goalPenalty
// is the precomputed goal-alignment term.
func computeBreakdown(a, b model.State, goal model.Goal, goalPenalty float64, cfg Config) (Breakdown, error) {
	if a.ID == b.ID {
		return Breakdown{}, nil
	}

	feature, err := featureTerm(a, b, cfg)
	if err != nil {
		return Breakdown{}, err
	}

	bd := Breakdown{
		Reward:  rewardTerm(a, b, goal),
		Feature: feature,
		Action:  actionTerm(a.RecentActions, b.RecentActions),
		Goal:    goalPenalty,
	}
	w := cfg.Weights
	bd.Total = w.Reward*bd.Reward +
		cfg.Gamma*w.Feature*bd.Feature +
		w.Action*bd.Action +
		w.Goal*bd.Goal
	return bd, nil
}

// #endregion compute

// #region reward-term

func rewardTerm(a, b model.State, goal model.Goal) float64 {
	ra, okA := goal.RewardFor(a)
	rb, okB := goal.RewardFor(b)
	if !okA && !okB {
		return 0
	}
	return math.Abs(ra - rb)
}

// #endregion reward-term

// #region feature-term

// featureTerm approximates the transport cost between the two feature
// distributions over the shared schema. Disjoint schemas and kind conflicts
// are SchemaMismatch.
func featureTerm(a, b model.State, cfg Config) (float64, error) {
	if len(a.Features) == 0 && len(b.Features) == 0 {
		return 0, nil
	}

	shared := make([]string, 0, len(a.Features))
	for k := range a.Features {
		if _, ok := b.Features[k]; ok {
			shared = append(shared, k)
		}
	}
	if len(shared) == 0 {
		return 0, model.SchemaMismatch("compute distance", a.GoalID, a.ID, b.ID)
	}
	sort.Strings(shared)
	unshared := len(a.Features) + len(b.Features) - 2*len(shared)

	var va, vb []float64
	var discrete float64
	for _, k := range shared {
		fa, fb := a.Features[k], b.Features[k]
		if fa.Kind != fb.Kind {
			return 0, model.SchemaMismatch("compute distance: feature "+k, a.GoalID, a.ID, b.ID)
		}
		switch fa.Kind {
		case model.KindNumeric:
			va = append(va, fa.Num)
			vb = append(vb, fb.Num)
		case model.KindCategorical:
			if fa.Str != fb.Str {
				discrete += cfg.CategoricalPenalty
			}
		case model.KindText:
			discrete += cfg.TextPenalty * (1 - tokenJaccard(fa.Str, fb.Str))
		}
	}

	var numeric float64
	if n := float64(len(va)); n > 0 {
		l1 := floats.Distance(va, vb, 1) / n
		l2 := floats.Distance(va, vb, 2) / math.Sqrt(n)
		numeric = n * (cfg.L1Blend*l1 + (1-cfg.L1Blend)*l2)
	}

	term := (numeric + discrete) / float64(len(shared))
	if unshared > 0 {
		term += cfg.MissingPenalty * float64(unshared) / float64(len(shared)+unshared)
	}
	return term, nil
}

func tokenJaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		out[t] = true
	}
	return out
}

// #endregion feature-term

// #region action-term

// actionTerm is the edit distance between action histories, normalised by
// the longer history.
func actionTerm(a, b []string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	return float64(editDistance(a, b)) / float64(longest)
}

func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// #endregion action-term
