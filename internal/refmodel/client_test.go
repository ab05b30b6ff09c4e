package refmodel

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
)

// #region fake-model
type fakeModel struct {
	gotGoal  model.Goal
	gotSteps int
	steps    []trajectory.PredictedStep
	err      error
}

func (f *fakeModel) Rollout(_ context.Context, goal model.Goal, maxSteps int) ([]trajectory.PredictedStep, error) {
	f.gotGoal, f.gotSteps = goal, maxSteps
	return f.steps, f.err
}

func dialFake(t *testing.T, impl trajectory.ReferenceModel) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, impl)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClientWithConn(conn)
}

// #endregion fake-model

// #region constructor-tests
func TestNewClientLazyDial(t *testing.T) {
	c, err := NewClient("localhost:0", time.Second)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewClientWithConnCloseIsNoop(t *testing.T) {
	c := NewClientWithConn(nil)
	if err := c.Close(); err != nil {
		t.Fatalf("close on borrowed conn: %v", err)
	}
}

// #endregion constructor-tests

// #region rollout-tests
func TestRolloutRoundTrip(t *testing.T) {
	reward := 0.75
	fake := &fakeModel{steps: []trajectory.PredictedStep{
		{
			State: model.State{
				ID:       "p1",
				GoalID:   "g",
				Features: map[string]model.Feature{"x": model.Numeric(1.5), "mode": model.Categorical("fast")},
				Reward:   &reward,
			},
			Action: "accelerate",
			Reward: 0.25,
		},
		{
			State:  model.State{ID: "p2", GoalID: "g", Features: map[string]model.Feature{"note": model.Text("arrived at dock")}},
			Action: "stop",
			Reward: 1,
		},
	}}
	c := dialFake(t, fake)

	lo, hi := 1.0, 2.0
	goal := model.Goal{
		ID:       "g",
		Criteria: []model.Criterion{{Feature: "x", Op: model.OpRange, Min: &lo, Max: &hi}},
	}
	steps, err := c.Rollout(context.Background(), goal, 4)
	if err != nil {
		t.Fatalf("rollout: %v", err)
	}

	if fake.gotSteps != 4 {
		t.Errorf("server saw max_steps=%d, want 4", fake.gotSteps)
	}
	if fake.gotGoal.ID != "g" || len(fake.gotGoal.Criteria) != 1 || *fake.gotGoal.Criteria[0].Max != 2.0 {
		t.Errorf("server saw goal %+v", fake.gotGoal)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if got := steps[0].State.Features["x"]; !got.Equal(model.Numeric(1.5)) {
		t.Errorf("feature x = %v", got)
	}
	if got := steps[0].State.Features["mode"]; !got.Equal(model.Categorical("fast")) {
		t.Errorf("feature mode = %v", got)
	}
	if steps[0].State.Reward == nil || *steps[0].State.Reward != 0.75 {
		t.Errorf("state reward lost: %v", steps[0].State.Reward)
	}
	if steps[1].Action != "stop" || steps[1].Reward != 1 {
		t.Errorf("step 2 = %+v", steps[1])
	}
	if got := steps[1].State.Features["note"]; got.Kind != model.KindText {
		t.Errorf("text feature kind = %s", got.Kind)
	}
}

func TestRolloutServerError(t *testing.T) {
	c := dialFake(t, &fakeModel{err: errors.New("model not loaded")})

	_, err := c.Rollout(context.Background(), model.Goal{ID: "g"}, 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error %q lost server message", err)
	}
}

func TestRolloutRejectsNonPositiveSteps(t *testing.T) {
	c := dialFake(t, &fakeModel{})

	_, err := c.Rollout(context.Background(), model.Goal{ID: "g"}, 0)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

// #endregion rollout-tests
