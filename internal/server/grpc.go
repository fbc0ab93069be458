package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aramoto99/new-aiaccel/pkg/logger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hpo.v1.TrialService"

const defaultWatchInterval = 500 * time.Millisecond

// TrialServiceServer is the server API of hpo.v1.TrialService. Messages
// are well-known types; summaries and trials travel as structpb.Struct
// with the same field names as the HTTP API.
type TrialServiceServer interface {
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListTrials(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTrial(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	CancelTrial(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	CancelRun(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchSummary(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc describes hpo.v1.TrialService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrialServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSummary", Handler: unaryHandler("GetSummary", newEmpty, TrialServiceServer.GetSummary)},
		{MethodName: "ListTrials", Handler: unaryHandler("ListTrials", newStruct, TrialServiceServer.ListTrials)},
		{MethodName: "GetTrial", Handler: unaryHandler("GetTrial", newInt64, TrialServiceServer.GetTrial)},
		{MethodName: "CancelTrial", Handler: unaryHandler("CancelTrial", newInt64, TrialServiceServer.CancelTrial)},
		{MethodName: "CancelRun", Handler: unaryHandler("CancelRun", newEmpty, TrialServiceServer.CancelRun)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSummary", Handler: watchSummaryHandler, ServerStreams: true},
	},
	Metadata: "hpo/v1/trial_service.proto",
}

// RegisterTrialServiceServer registers srv on s.
func RegisterTrialServiceServer(s grpc.ServiceRegistrar, srv TrialServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newEmpty() *emptypb.Empty         { return new(emptypb.Empty) }
func newStruct() *structpb.Struct      { return new(structpb.Struct) }
func newInt64() *wrapperspb.Int64Value { return new(wrapperspb.Int64Value) }
func fullMethod(method string) string  { return "/" + ServiceName + "/" + method }

func unaryHandler[Req, Resp proto.Message](method string, newReq func() Req,
	call func(TrialServiceServer, context.Context, Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TrialServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TrialServiceServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchSummaryHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrialServiceServer).WatchSummary(in, stream)
}

// GRPCServer implements TrialServiceServer over a Run and its ledger.
type GRPCServer struct {
	run           Run
	trials        TrialSource
	watchInterval time.Duration
	log           *slog.Logger
}

// NewGRPCServer creates the gRPC facade. WatchSummary polls every 500ms.
func NewGRPCServer(run Run, trials TrialSource) *GRPCServer {
	return &GRPCServer{
		run:           run,
		trials:        trials,
		watchInterval: defaultWatchInterval,
		log:           logger.Component("grpc"),
	}
}

// WithWatchInterval changes how often WatchSummary polls the run.
func (s *GRPCServer) WithWatchInterval(d time.Duration) *GRPCServer {
	if d > 0 {
		s.watchInterval = d
	}
	return s
}

func (s *GRPCServer) GetSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(NewSummary(s.run.Snapshot()))
}

// ListTrials accepts optional "state" and "limit" fields.
func (s *GRPCServer) ListTrials(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	limit := int(fields["limit"].GetNumberValue())
	if limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must be non-negative")
	}
	trials, err := filterTrials(s.trials.Trials(), fields["state"].GetStringValue(), limit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(map[string]any{"trials": trials})
}

func (s *GRPCServer) GetTrial(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "trial id must be non-negative")
	}
	t, err := s.trials.Get(int(req.GetValue()))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(t)
}

func (s *GRPCServer) CancelTrial(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "trial id must be non-negative")
	}
	id := int(req.GetValue())
	if err := s.run.CancelTrial(ctx, id); err != nil {
		return nil, grpcError(err)
	}
	s.log.Info("trial cancelled over grpc", "trial_id", id)
	t, err := s.trials.Get(id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(t)
}

func (s *GRPCServer) CancelRun(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.run.Cancel(ctx); err != nil {
		return nil, grpcError(err)
	}
	s.log.Info("run cancellation requested over grpc")
	return &emptypb.Empty{}, nil
}

// WatchSummary sends the current summary, then a new one whenever the
// issued or terminal counts change, and returns after the final summary of
// a finished run.
func (s *GRPCServer) WatchSummary(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var last *Summary
	for {
		sum := NewSummary(s.run.Snapshot())
		if last == nil || changed(*last, sum) {
			msg, err := toStruct(sum)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			last = &sum
		}
		if sum.Done {
			return nil
		}
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
		}
	}
}

func changed(a, b Summary) bool {
	if a.Issued != b.Issued || a.Done != b.Done || len(a.InFlight) != len(b.InFlight) {
		return true
	}
	for state, n := range b.Counts {
		if a.Counts[state] != n {
			return true
		}
	}
	return false
}

// toStruct converts v through its JSON form so gRPC and HTTP clients see
// the same field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}

// FromStruct decodes a response Struct into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
