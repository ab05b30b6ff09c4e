package bisim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region edges

type edge struct {
	a, b     string
	distance float64
}

// pairwise computes distances for every comparable pair on a bounded pool.
// Pairs across goal contexts and pairs with incompatible schemas yield no edge.
func (e *Engine) pairwise(ctx context.Context, states []model.State, goalID string) ([]edge, error) {
	type pair struct{ i, j int }
	var pairs []pair
	for i := range states {
		for j := i + 1; j < len(states); j++ {
			if states[i].GoalID == states[j].GoalID {
				pairs = append(pairs, pair{i, j})
			}
		}
	}

	results := make([]edge, len(pairs))
	linked := make([]bool, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for idx, p := range pairs {
		g.Go(func() error {
			a, b := states[p.i], states[p.j]
			d, err := e.ComputeDistance(gctx, a, b, goalID)
			if errors.Is(err, model.ErrSchemaMismatch) {
				return nil
			}
			if err != nil {
				return err
			}
			results[idx] = edge{a: a.ID, b: b.ID, distance: d}
			linked[idx] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	edges := make([]edge, 0, len(pairs))
	for idx, ok := range linked {
		if ok {
			edges = append(edges, results[idx])
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].distance != edges[j].distance {
			return edges[i].distance < edges[j].distance
		}
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})
	return edges, nil
}

// #endregion edges

// #region union-find

type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (u *unionFind) find(x string) string {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union keeps the lexically smaller root so results do not depend on edge order.
func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// #endregion union-find

// #region abstract

// AbstractStateSpace partitions states into equivalence classes: states are
// merged greedily, closest pairs first, whenever their distance under goalID
// is below threshold. States with no comparable peer are singletons. The
// result maps class id to sorted member ids.
func (e *Engine) AbstractStateSpace(ctx context.Context, states []model.State, goalID string, threshold float64) (map[string][]string, error) {
	classes, err := e.buildClasses(ctx, states, goalID, threshold)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(classes))
	for _, c := range classes {
		out[c.ID] = c.StateIDs
	}
	return out, nil
}

func (e *Engine) buildClasses(ctx context.Context, states []model.State, goalID string, threshold float64) ([]model.EquivalenceClass, error) {
	if threshold <= 0 || math.IsNaN(threshold) {
		return nil, model.InvalidThreshold("abstract state space", goalID, threshold)
	}
	if _, err := e.store.GetGoal(ctx, goalID); err != nil {
		return nil, err
	}

	byID := make(map[string]model.State, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	unique := make([]model.State, len(ids))
	for i, id := range ids {
		unique[i] = byID[id]
	}

	edges, err := e.pairwise(ctx, unique, goalID)
	if err != nil {
		return nil, fmt.Errorf("abstract state space %s: %w", goalID, err)
	}

	uf := newUnionFind(ids)
	for _, ed := range edges {
		if ed.distance >= threshold {
			break
		}
		uf.union(ed.a, ed.b)
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		root := uf.find(id)
		groups[root] = append(groups[root], id)
	}
	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	// members are appended in id order, so groups[root][0] is the smallest member
	sort.Slice(roots, func(i, j int) bool { return groups[roots[i]][0] < groups[roots[j]][0] })

	now := time.Now().UTC()
	classes := make([]model.EquivalenceClass, len(roots))
	for i, root := range roots {
		classes[i] = model.EquivalenceClass{
			ID:        fmt.Sprintf("%s-c%03d", goalID, i),
			GoalID:    goalID,
			StateIDs:  groups[root],
			Threshold: threshold,
			BuiltAt:   now,
		}
	}
	return classes, nil
}

// #endregion abstract

// #region recluster

// Recluster rebuilds the classes of every state recorded under goalID,
// persists them wholesale and publishes them to the class index. Readers keep
// seeing the previous mapping until the new one is published.
func (e *Engine) Recluster(ctx context.Context, goalID string, threshold float64) (classes []model.EquivalenceClass, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bisim.Recluster",
		attribute.String("goal", goalID), attribute.Float64("threshold", threshold))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	states, err := e.store.StatesByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("recluster %s: %w", goalID, err)
	}
	classes, err = e.buildClasses(ctx, states, goalID, threshold)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceClasses(ctx, goalID, classes); err != nil {
		return nil, fmt.Errorf("recluster %s: %w", goalID, err)
	}
	e.classes.Publish(goalID, classes)

	took := time.Since(start)
	e.metrics.Reclustered(goalID, len(classes), took)
	e.logger.Info("goal reclustered", "goal", goalID, "states", len(states), "classes", len(classes), "took", took)
	return classes, nil
}

// Classes returns the published classes of goalID, loading the persisted
// ones into the index on first use.
func (e *Engine) Classes(ctx context.Context, goalID string) ([]model.EquivalenceClass, error) {
	if classes, ok := e.classes.Classes(goalID); ok {
		return classes, nil
	}
	classes, err := e.store.Classes(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("load classes %s: %w", goalID, err)
	}
	if len(classes) > 0 {
		e.classes.Publish(goalID, classes)
	}
	return classes, nil
}

// #endregion recluster
