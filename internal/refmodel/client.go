// Package refmodel talks to an external forward-prediction service over gRPC.
// Messages travel as google.protobuf.Struct so the service can be written in
// any language without shared generated code.
package refmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
)

const (
	serviceName   = "transfer.ReferenceModel"
	rolloutMethod = "/" + serviceName + "/Rollout"
)

// #region wire
type wireRequest struct {
	Goal     model.Goal `json:"goal"`
	MaxSteps int        `json:"max_steps"`
}

type wireStep struct {
	State  model.State `json:"state"`
	Action string      `json:"action"`
	Reward float64     `json:"reward"`
}

type wireResponse struct {
	Steps []wireStep `json:"steps"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// #endregion wire

// #region client-struct

// Client is a trajectory.ReferenceModel backed by a gRPC service.
type Client struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

var _ trajectory.ReferenceModel = (*Client)(nil)

// #endregion client-struct

// #region constructor

// NewClient connects to the reference-model service at addr. A zero timeout
// leaves deadlines to the caller's context.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn, timeout: timeout}, nil
}

// NewClientWithConn wraps an existing connection. Close does not close it.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close shuts down a connection opened by NewClient.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region rollout

// Rollout asks the service for at most maxSteps predicted steps toward goal.
func (c *Client) Rollout(ctx context.Context, goal model.Goal, maxSteps int) ([]trajectory.PredictedStep, error) {
	req, err := toStruct(wireRequest{Goal: goal, MaxSteps: maxSteps})
	if err != nil {
		return nil, fmt.Errorf("encode rollout request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, rolloutMethod, req, resp); err != nil {
		return nil, fmt.Errorf("rollout rpc: %w", err)
	}

	var wr wireResponse
	if err := fromStruct(resp, &wr); err != nil {
		return nil, fmt.Errorf("decode rollout response: %w", err)
	}
	out := make([]trajectory.PredictedStep, 0, len(wr.Steps))
	for _, s := range wr.Steps {
		out = append(out, trajectory.PredictedStep{State: s.State, Action: s.Action, Reward: s.Reward})
	}
	return out, nil
}

// #endregion rollout
