package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// #region fixture-types

// Fixture seeds an engine with recorded history and lists the decisions
// expected against it.
type Fixture struct {
	Description string            `json:"description"`
	Goals       []model.Goal      `json:"goals"`
	Links       []FixtureLink     `json:"links"`
	States      []model.State     `json:"states"`
	Episodes    []FixtureEpisode  `json:"episodes"`
	Decisions   []FixtureDecision `json:"decisions"`
}

// FixtureLink is a goal-graph edge.
type FixtureLink struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   graph.LinkType `json:"type"`
	Weight float64        `json:"weight"`
}

// FixtureEpisode is a trajectory with its outcome.
type FixtureEpisode struct {
	Trajectory model.Trajectory `json:"trajectory"`
	Success    bool             `json:"success"`
}

// FixtureDecision is a decision request and its expected outcome.
type FixtureDecision struct {
	ID    string      `json:"id"`
	State model.State `json:"state"`
	Goal  string      `json:"goal"`
	// Expect is the phase preceding resolution: "policy_found" or "no_analogy".
	Expect string `json:"expect"`
	// ExpectSource optionally pins the analogous state the policy came from.
	ExpectSource string `json:"expect_source,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads a JSON or YAML fixture, chosen by file extension.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := ParseFixture(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes data. ext ".yaml" or ".yml" selects YAML; anything
// else is JSON.
func ParseFixture(data []byte, ext string) (*Fixture, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		// YAML goes through the JSON shape so both formats share field names
		// and the tagged feature encoding.
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		data = converted
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// #endregion fixture-loader
