package bisim

import (
	"sync"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

type classSnapshot struct {
	classes []model.EquivalenceClass
	byState map[string]string
}

// ClassIndex holds an immutable snapshot of the classes of each goal.
// Publish swaps the whole snapshot, so readers never see a half-built mapping.
type ClassIndex struct {
	snapshots sync.Map // goal -> *classSnapshot
}

// NewClassIndex returns an empty index.
func NewClassIndex() *ClassIndex {
	return &ClassIndex{}
}

// Publish replaces the classes of goalID.
func (ci *ClassIndex) Publish(goalID string, classes []model.EquivalenceClass) {
	snap := &classSnapshot{
		classes: append([]model.EquivalenceClass(nil), classes...),
		byState: make(map[string]string),
	}
	for _, c := range classes {
		for _, id := range c.StateIDs {
			snap.byState[id] = c.ID
		}
	}
	ci.snapshots.Store(goalID, snap)
}

// ClassOf returns the class holding stateID under goalID.
func (ci *ClassIndex) ClassOf(goalID, stateID string) (string, bool) {
	v, ok := ci.snapshots.Load(goalID)
	if !ok {
		return "", false
	}
	id, ok := v.(*classSnapshot).byState[stateID]
	return id, ok
}

// SameClass reports whether both states sit in one published class.
func (ci *ClassIndex) SameClass(goalID, a, b string) bool {
	ca, ok := ci.ClassOf(goalID, a)
	if !ok {
		return false
	}
	cb, ok := ci.ClassOf(goalID, b)
	return ok && ca == cb
}

// Classes returns the published classes of goalID.
func (ci *ClassIndex) Classes(goalID string) ([]model.EquivalenceClass, bool) {
	v, ok := ci.snapshots.Load(goalID)
	if !ok {
		return nil, false
	}
	return v.(*classSnapshot).classes, true
}
