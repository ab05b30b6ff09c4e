package bisim

import (
	"context"
	"sort"
	"sync"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// GoalSimilarity is the external goal-to-goal similarity lookup. Values are
// in [0, 1]; ok is false when nothing is known about the pair.
type GoalSimilarity interface {
	Similarity(ctx context.Context, a, b string) (sim float64, ok bool, err error)
	Related(ctx context.Context, goalID string, minSimilarity float64) ([]model.RelatedGoal, error)
}

// StaticSimilarity is an in-memory symmetric lookup.
type StaticSimilarity struct {
	mu    sync.RWMutex
	pairs map[[2]string]float64
}

var _ GoalSimilarity = (*StaticSimilarity)(nil)

// NewStaticSimilarity returns an empty lookup.
func NewStaticSimilarity() *StaticSimilarity {
	return &StaticSimilarity{pairs: make(map[[2]string]float64)}
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Set records the similarity of a and b.
func (s *StaticSimilarity) Set(a, b string, sim float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pairKey(a, b)] = sim
}

func (s *StaticSimilarity) Similarity(_ context.Context, a, b string) (float64, bool, error) {
	if a == b {
		return 1, true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.pairs[pairKey(a, b)]
	return v, ok, nil
}

// Related returns direct neighbours only.
func (s *StaticSimilarity) Related(_ context.Context, goalID string, minSimilarity float64) ([]model.RelatedGoal, error) {
	s.mu.RLock()
	var out []model.RelatedGoal
	for k, v := range s.pairs {
		if v < minSimilarity {
			continue
		}
		switch goalID {
		case k[0]:
			out = append(out, model.RelatedGoal{GoalID: k[1], Similarity: v})
		case k[1]:
			out = append(out, model.RelatedGoal{GoalID: k[0], Similarity: v})
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].GoalID < out[j].GoalID
	})
	return out, nil
}
