package transfer

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// Phase is a step of a decision request.
type Phase string

const (
	PhaseReceived          Phase = "received"
	PhaseAnalogiesSearched Phase = "analogies_searched"
	PhasePolicyFound       Phase = "policy_found"
	PhaseNoAnalogy         Phase = "no_analogy"
	PhaseResolved          Phase = "resolved"
)

var transitions = map[Phase][]Phase{
	PhaseReceived:          {PhaseAnalogiesSearched},
	PhaseAnalogiesSearched: {PhasePolicyFound, PhaseNoAnalogy},
	PhasePolicyFound:       {PhaseResolved},
	PhaseNoAnalogy:         {PhaseResolved},
}

// Result is the outcome of one decision request. Recommendation is nil when
// no transferable policy was found; callers then use their own default.
type Result struct {
	Path           []Phase
	Recommendation *model.Recommendation
	// Reason explains a missing recommendation.
	Reason string
}

// Found reports whether a policy was recommended.
func (r Result) Found() bool { return r.Recommendation != nil }

// Final returns the last phase reached.
func (r Result) Final() Phase {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1]
}

func (r *Result) advance(next Phase) error {
	cur := r.Final()
	if cur == "" {
		if next != PhaseReceived {
			return fmt.Errorf("decision must start in %s, got %s", PhaseReceived, next)
		}
		r.Path = append(r.Path, next)
		return nil
	}
	for _, p := range transitions[cur] {
		if p == next {
			r.Path = append(r.Path, next)
			return nil
		}
	}
	return fmt.Errorf("illegal decision transition %s -> %s", cur, next)
}
