package bisim

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// Analogy is a previously seen state close to the current one.
type Analogy struct {
	State    model.State
	Distance float64
	// ViaGoal is the goal context the candidate was drawn from.
	ViaGoal string
}

// #region find-analogies

// FindAnalogies returns up to topK recorded states nearest to current under
// goalID, nearest first, ties broken by recency then id. When the goal has no
// history, states of related goals are considered. An empty history yields an
// empty result, not an error.
func (e *Engine) FindAnalogies(ctx context.Context, current model.State, goalID string, topK int) (out []Analogy, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bisim.FindAnalogies",
		attribute.String("goal", goalID), attribute.String("state", current.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}

	candidates, err := e.candidates(ctx, current, goalID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Analogy{}, nil
	}

	results := make([]*Analogy, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, c := range candidates {
		g.Go(func() error {
			d, err := e.ComputeDistance(gctx, current, c.State, goalID)
			if errors.Is(err, model.ErrSchemaMismatch) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = &Analogy{State: c.State, Distance: d, ViaGoal: c.ViaGoal}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("find analogies %s: %w", goalID, err)
	}

	out = make([]Analogy, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		ti, tj := out[i].State.ObservedAt, out[j].State.ObservedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].State.ID < out[j].State.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	span.SetAttributes(attribute.Int("analogies", len(out)))
	return out, nil
}

type candidate struct {
	State   model.State
	ViaGoal string
}

// candidates lists states under goalID, falling back to related goals when
// there are none.
func (e *Engine) candidates(ctx context.Context, current model.State, goalID string) ([]candidate, error) {
	own, err := e.store.StatesByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("candidates %s: %w", goalID, err)
	}
	out := make([]candidate, 0, len(own))
	for _, s := range own {
		if s.ID != current.ID {
			out = append(out, candidate{State: s, ViaGoal: goalID})
		}
	}
	if len(out) > 0 || e.similarity == nil {
		return out, nil
	}

	related, err := e.similarity.Related(ctx, goalID, e.cfg.RelatedGoalMin)
	if err != nil {
		return nil, fmt.Errorf("related goals %s: %w", goalID, err)
	}
	for _, rg := range related {
		states, err := e.store.StatesByGoal(ctx, rg.GoalID)
		if err != nil {
			return nil, fmt.Errorf("candidates %s: %w", rg.GoalID, err)
		}
		for _, s := range states {
			if s.ID != current.ID {
				out = append(out, candidate{State: s, ViaGoal: rg.GoalID})
			}
		}
	}
	return out, nil
}

// #endregion find-analogies
