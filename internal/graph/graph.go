package graph

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS goal_links (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    source_goal TEXT NOT NULL,
    target_goal TEXT NOT NULL,
    link_type   TEXT NOT NULL,
    weight      REAL NOT NULL DEFAULT 0.1,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    UNIQUE(source_goal, target_goal, link_type)
);
CREATE INDEX IF NOT EXISTS idx_goal_links_source ON goal_links(source_goal);
CREATE INDEX IF NOT EXISTS idx_goal_links_target ON goal_links(target_goal);
`

// #endregion schema

// #region types

// LinkType records why two goals are considered related.
type LinkType string

const (
	LinkDerived   LinkType = "derived_from"
	LinkHindsight LinkType = "hindsight"
	LinkTransfer  LinkType = "transfer"
	LinkSimilar   LinkType = "similar"
)

// Link is one direction of a weighted goal-to-goal relation.
type Link struct {
	ID         int64
	SourceGoal string
	TargetGoal string
	Type       LinkType
	Weight     float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WalkResult holds an ordered path from a graph walk.
type WalkResult struct {
	IDs    []string  // goal IDs in walk order
	Scores []float64 // cumulative similarity at each goal
}

// GoalGraph stores symmetric similarity links between goals. It serves as the
// goal-similarity lookup of the distance engine.
type GoalGraph struct {
	db       *sql.DB
	maxDepth int
	maxNodes int
}

// #endregion types

// #region constructor
// NewGoalGraph creates tables and returns a GoalGraph.
func NewGoalGraph(db *sql.DB) (*GoalGraph, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("goal graph schema: %w", err)
	}
	return &GoalGraph{db: db, maxDepth: 3, maxNodes: 32}, nil
}

// #endregion constructor

// #region add-link
// AddLink inserts a link in both directions. Existing links keep their weight.
func (g *GoalGraph) AddLink(ctx context.Context, a, b string, typ LinkType, weight float64) error {
	if a == b {
		return nil
	}
	weight = clampWeight(weight)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, pair := range [2][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO goal_links (source_goal, target_goal, link_type, weight, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			pair[0], pair[1], string(typ), weight, now, now,
		); err != nil {
			return fmt.Errorf("add link %s->%s: %w", pair[0], pair[1], err)
		}
	}
	return tx.Commit()
}

// #endregion add-link

// #region increment-link
// IncrementLink raises a link's weight by delta in both directions, capped at
// 1.0, creating it with weight=delta when absent.
func (g *GoalGraph) IncrementLink(ctx context.Context, a, b string, typ LinkType, delta float64) error {
	if a == b {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, pair := range [2][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO goal_links (source_goal, target_goal, link_type, weight, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_goal, target_goal, link_type) DO UPDATE SET
			   weight = MIN(1.0, goal_links.weight + ?),
			   updated_at = ?`,
			pair[0], pair[1], string(typ), clampWeight(delta), now, now,
			delta, now,
		); err != nil {
			return fmt.Errorf("increment link %s->%s: %w", pair[0], pair[1], err)
		}
	}
	return tx.Commit()
}

// #endregion increment-link

// #region neighbors
// Neighbors returns links out of goalID with weight >= minWeight, strongest first.
func (g *GoalGraph) Neighbors(ctx context.Context, goalID string, minWeight float64) ([]Link, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, source_goal, target_goal, link_type, weight, created_at, updated_at
		 FROM goal_links
		 WHERE source_goal = ? AND weight >= ?
		 ORDER BY weight DESC, target_goal ASC`,
		goalID, minWeight,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var typ, createdAt, updatedAt string
		if err := rows.Scan(&l.ID, &l.SourceGoal, &l.TargetGoal, &typ, &l.Weight, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		l.Type = LinkType(typ)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		l.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		links = append(links, l)
	}
	return links, rows.Err()
}

// #endregion neighbors

// #region walk
// Walk performs a BFS from entryID, following links with weight >= minWeight,
// up to maxDepth hops and maxNodes total. Scores multiply along the path.
func (g *GoalGraph) Walk(ctx context.Context, entryID string, maxDepth int, minWeight float64, maxNodes int) (WalkResult, error) {
	if maxDepth <= 0 {
		maxDepth = g.maxDepth
	}
	if maxNodes <= 0 {
		maxNodes = g.maxNodes
	}

	result := WalkResult{
		IDs:    []string{entryID},
		Scores: []float64{1.0},
	}
	visited := map[string]bool{entryID: true}

	type queueItem struct {
		id    string
		depth int
		score float64
	}
	queue := []queueItem{{entryID, 0, 1.0}}

	for len(queue) > 0 && len(result.IDs) < maxNodes {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		neighbors, err := g.Neighbors(ctx, current.id, minWeight)
		if err != nil {
			return result, fmt.Errorf("walk neighbors: %w", err)
		}
		for _, link := range neighbors {
			if len(result.IDs) >= maxNodes {
				break
			}
			if visited[link.TargetGoal] {
				continue
			}
			visited[link.TargetGoal] = true
			score := current.score * link.Weight
			result.IDs = append(result.IDs, link.TargetGoal)
			result.Scores = append(result.Scores, score)
			queue = append(queue, queueItem{link.TargetGoal, current.depth + 1, score})
		}
	}
	return result, nil
}

// #endregion walk

// #region similarity

// Similarity returns the strongest direct link weight between a and b.
func (g *GoalGraph) Similarity(ctx context.Context, a, b string) (float64, bool, error) {
	if a == b {
		return 1, true, nil
	}
	var w sql.NullFloat64
	err := g.db.QueryRowContext(ctx,
		`SELECT MAX(weight) FROM goal_links
		 WHERE (source_goal = ? AND target_goal = ?) OR (source_goal = ? AND target_goal = ?)`,
		a, b, b, a,
	).Scan(&w)
	if err != nil {
		return 0, false, fmt.Errorf("similarity %s/%s: %w", a, b, err)
	}
	if !w.Valid {
		return 0, false, nil
	}
	return w.Float64, true, nil
}

// Related walks outward from goalID and returns goals whose cumulative
// similarity is at least minSimilarity, most similar first.
func (g *GoalGraph) Related(ctx context.Context, goalID string, minSimilarity float64) ([]model.RelatedGoal, error) {
	walk, err := g.Walk(ctx, goalID, g.maxDepth, minSimilarity, g.maxNodes)
	if err != nil {
		return nil, err
	}
	var out []model.RelatedGoal
	for i := 1; i < len(walk.IDs); i++ {
		if walk.Scores[i] >= minSimilarity {
			out = append(out, model.RelatedGoal{GoalID: walk.IDs[i], Similarity: walk.Scores[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].GoalID < out[j].GoalID
	})
	return out, nil
}

// #endregion similarity

// #region decay
// DecayAll applies exponential decay to every link based on time since its
// last update. Links that fall below 0.01 are deleted.
func (g *GoalGraph) DecayAll(ctx context.Context, halfLife time.Duration) (int64, error) {
	if halfLife <= 0 {
		return 0, fmt.Errorf("decay: half-life must be positive")
	}
	now := time.Now().UTC()

	rows, err := g.db.QueryContext(ctx, `SELECT id, weight, updated_at FROM goal_links`)
	if err != nil {
		return 0, err
	}

	type decayItem struct {
		id        int64
		newWeight float64
	}
	var updates []decayItem
	var deletes []int64

	for rows.Next() {
		var id int64
		var weight float64
		var updatedAt string
		if err := rows.Scan(&id, &weight, &updatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		t, _ := time.Parse(time.RFC3339Nano, updatedAt)
		age := now.Sub(t)
		if age <= 0 {
			continue
		}
		decayed := weight * math.Exp(-age.Seconds()*math.Ln2/halfLife.Seconds())
		if decayed < 0.01 {
			deletes = append(deletes, id)
		} else {
			updates = append(updates, decayItem{id, decayed})
		}
	}
	rows.Close()

	nowStr := now.Format(time.RFC3339Nano)
	for _, u := range updates {
		if _, err := g.db.ExecContext(ctx, `UPDATE goal_links SET weight = ?, updated_at = ? WHERE id = ?`, u.newWeight, nowStr, u.id); err != nil {
			return 0, err
		}
	}
	for _, id := range deletes {
		if _, err := g.db.ExecContext(ctx, `DELETE FROM goal_links WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(deletes)), nil
}

// #endregion decay

func clampWeight(w float64) float64 {
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}
