package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dockingFixture = "../../internal/replay/testdata/docking.yaml"

// ctl runs transferctl against one database per test.
type ctl struct {
	t    *testing.T
	base []string
}

func newCtl(t *testing.T) ctl {
	t.Helper()
	dir := t.TempDir()
	return ctl{t: t, base: []string{
		"--config", filepath.Join(dir, "absent.yaml"),
		"--db", filepath.Join(dir, "engine.db"),
	}}
}

func (c ctl) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append(append([]string{}, c.base...), args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c ctl) seed() {
	c.t.Helper()
	code, out, errOut := c.run("import", dockingFixture)
	require.Equal(c.t, exitOK, code, "stderr: %s", errOut)
	require.Contains(c.t, out, "imported 3 goals")
}

func TestImportCheck(t *testing.T) {
	c := newCtl(t)
	code, out, errOut := c.run("import", "--check", dockingFixture)
	require.Equal(t, exitOK, code, "stderr: %s", errOut)
	assert.Contains(t, out, "decision near-s1: policy_found (expected policy_found) ok")
	assert.Contains(t, out, "decision no-history: no_analogy (expected no_analogy) ok")
	assert.NotContains(t, out, "MISMATCH")
}

func TestImportMissingFixture(t *testing.T) {
	code, _, _ := newCtl(t).run("import", "nope.yaml")
	assert.Equal(t, exitMalformed, code)
}

func TestInspectDistance(t *testing.T) {
	c := newCtl(t)
	c.seed()

	code, out, errOut := c.run("inspect-distance", "s1", "s2", "dock-a", "--json")
	require.Equal(t, exitOK, code, "stderr: %s", errOut)
	var r distanceReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "s1", r.StateA)
	assert.Greater(t, r.Total, 0.0)
	assert.Equal(t, 1.0, r.Reward, "s2 satisfies dock-a, s1 does not")

	code, out, _ = c.run("inspect-distance", "s1", "s1", "dock-a")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "0.000000")
}

func TestInspectDistanceExitCodes(t *testing.T) {
	c := newCtl(t)
	c.seed()

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown state", []string{"inspect-distance", "s1", "ghost", "dock-a"}, exitNotFound},
		{"unknown goal", []string{"inspect-distance", "s1", "s2", "ghost"}, exitNotFound},
		{"missing arg", []string{"inspect-distance", "s1", "s2"}, exitMalformed},
		{"unknown flag", []string{"inspect-distance", "s1", "s2", "dock-a", "--yaml"}, exitMalformed},
		{"unknown command", []string{"teleport"}, exitMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, _ := c.run(tc.args...)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestInspectDistanceSchemaMismatch(t *testing.T) {
	c := newCtl(t)
	fixture := filepath.Join(t.TempDir(), "mismatch.json")
	require.NoError(t, os.WriteFile(fixture, []byte(`{
		"goals": [{"id": "g"}],
		"states": [
			{"id": "a", "goal_id": "g", "features": {"x": {"kind": "numeric", "value": 1}}},
			{"id": "b", "goal_id": "g", "features": {"y": {"kind": "categorical", "value": "red"}}}
		]
	}`), 0o644))
	code, _, errOut := c.run("import", fixture)
	require.Equal(t, exitOK, code, "stderr: %s", errOut)

	code, _, errOut = c.run("inspect-distance", "a", "b", "g")
	assert.Equal(t, exitMalformed, code)
	assert.Contains(t, errOut, "error:")
}

func TestImportConflictingOutcomes(t *testing.T) {
	c := newCtl(t)
	fixture := filepath.Join(t.TempDir(), "conflict.json")
	require.NoError(t, os.WriteFile(fixture, []byte(`{
		"goals": [{"id": "g"}],
		"states": [{"id": "a", "goal_id": "g", "features": {"x": {"kind": "numeric", "value": 1}}}],
		"episodes": [
			{"trajectory": {"id": "e1", "intended_goal": "g", "steps": [{"state_id": "a"}]}, "success": false},
			{"trajectory": {"id": "e1", "intended_goal": "g", "steps": [{"state_id": "a"}]}, "success": true}
		]
	}`), 0o644))
	code, _, errOut := c.run("import", fixture)
	assert.Equal(t, exitMalformed, code)
	assert.Contains(t, errOut, "conflict")
}

func TestRecluster(t *testing.T) {
	c := newCtl(t)
	c.seed()

	code, out, errOut := c.run("recluster", "dock-a", "0.5")
	require.Equal(t, exitOK, code, "stderr: %s", errOut)
	assert.Contains(t, out, "goal dock-a:")

	code, out, _ = c.run("recluster", "dock-a", "0.5", "--json")
	require.Equal(t, exitOK, code)
	var classes []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &classes))
	assert.NotEmpty(t, classes)

	for name, tc := range map[string]struct {
		args []string
		want int
	}{
		"not a number": {[]string{"recluster", "dock-a", "tight"}, exitMalformed},
		"zero":         {[]string{"recluster", "dock-a", "0"}, exitMalformed},
		"negative":     {[]string{"recluster", "dock-a", "-1"}, exitMalformed},
		"unknown goal": {[]string{"recluster", "ghost", "0.5"}, exitNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			code, _, _ := c.run(tc.args...)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestInvalidateGoal(t *testing.T) {
	c := newCtl(t)
	c.seed()

	code, _, _ := c.run("inspect-distance", "s1", "s3", "dock-a")
	require.Equal(t, exitOK, code)

	code, out, errOut := c.run("invalidate-goal", "dock-a")
	require.Equal(t, exitOK, code, "stderr: %s", errOut)
	assert.Contains(t, out, "goal dock-a:")

	code, _, _ = c.run("invalidate-goal", "ghost")
	assert.Equal(t, exitNotFound, code)
	code, _, _ = c.run("invalidate-goal")
	assert.Equal(t, exitMalformed, code)
}

func TestCalibrationAndEvents(t *testing.T) {
	c := newCtl(t)
	c.seed()

	code, out, _ := c.run("calibration", "--bins", "4")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "0 transfer records")

	code, _, _ = c.run("calibration", "--bins", "0")
	assert.Equal(t, exitMalformed, code)

	code, out, _ = c.run("events", "--goal", "dock-a")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "relabel")
	assert.Contains(t, out, "e2")
}

func TestFactors(t *testing.T) {
	c := newCtl(t)
	c.seed()

	code, out, errOut := c.run("factors", "dock-a", "--json")
	require.Equal(t, exitOK, code, "stderr: %s", errOut)
	var factors []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &factors))

	code, _, _ = c.run("factors", "ghost")
	assert.Equal(t, exitNotFound, code)
}

func TestScheduleRequiresSpec(t *testing.T) {
	code, _, _ := newCtl(t).run("schedule")
	assert.Equal(t, exitMalformed, code)
}
