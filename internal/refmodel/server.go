package refmodel

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
)

// RegisterServer exposes impl as the reference-model service on s. It lets a
// Go process serve rollouts to other engines, and backs the client tests.
func RegisterServer(s grpc.ServiceRegistrar, impl trajectory.ReferenceModel) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*trajectory.ReferenceModel)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Rollout", Handler: rolloutHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transfer/reference_model.proto",
}

func rolloutHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		var wr wireRequest
		if err := fromStruct(req.(*structpb.Struct), &wr); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode rollout request: %v", err)
		}
		if wr.MaxSteps <= 0 {
			return nil, status.Error(codes.InvalidArgument, "max_steps must be positive")
		}
		steps, err := srv.(trajectory.ReferenceModel).Rollout(ctx, wr.Goal, wr.MaxSteps)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "rollout: %v", err)
		}
		resp := wireResponse{Steps: make([]wireStep, 0, len(steps))}
		for _, s := range steps {
			resp.Steps = append(resp.Steps, wireStep{State: s.State, Action: s.Action, Reward: s.Reward})
		}
		out, err := toStruct(resp)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode rollout response: %v", err)
		}
		return out, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rolloutMethod}
	return interceptor(ctx, in, info, handle)
}
