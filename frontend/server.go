package frontend

import (
	"context"
	"fmt"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

const defaultMaxMessages = 100

type FlowService interface {
	EnrolClient(ctx context.Context, clientId string) (*model.Client, error)
	PendingClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error)
	ReceiveResponses(ctx context.Context, responses []*model.Response) error
}

type GrpcConfig struct {
	FlowService FlowService
	Clock       func() time.Time
}

type grpcServer struct {
	*GrpcConfig
}

var _ FrontendServer = (*grpcServer)(nil)

func NewGrpcServer(config *GrpcConfig) (*grpc.Server, error) {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := zap.L().Named("frontend")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithDurationField(
			func(duration time.Duration) zapcore.Field {
				return zap.Int64(
					"grpc.time_ns",
					duration.Nanoseconds(),
				)
			},
		),
	}
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			return status.Errorf(codes.Internal, "panic in handler: %v", p)
		}),
	}
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	err := view.Register(ocgrpc.DefaultServerViews...)
	if err != nil {
		return nil, err
	}
	grpcOpts := []grpc.ServerOption{
		grpc.StreamInterceptor(
			grpc_middleware.ChainStreamServer(
				grpc_ctxtags.StreamServerInterceptor(),
				grpc_zap.StreamServerInterceptor(logger, zapOpts...),
				grpc_recovery.StreamServerInterceptor(recoveryOpts...),
			)),
		grpc.UnaryInterceptor(
			grpc_middleware.ChainUnaryServer(
				grpc_ctxtags.UnaryServerInterceptor(),
				grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
				grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	}

	gsrv := grpc.NewServer(grpcOpts...)
	RegisterFrontendServer(gsrv, &grpcServer{GrpcConfig: config})
	return gsrv, nil
}

// Poll enrols the client if needed and hands it its pending client action
// messages.
func (srv *grpcServer) Poll(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	if req.ClientId == "" {
		return nil, InvalidMessageError{Reason: "client id is required"}
	}
	grpc_ctxtags.Extract(ctx).Set("client_id", req.ClientId)
	if _, err := srv.FlowService.EnrolClient(ctx, req.ClientId); err != nil {
		return nil, storageError(err)
	}
	limit := req.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	messages, err := srv.FlowService.PendingClientMessages(ctx, req.ClientId, limit)
	if err != nil {
		return nil, storageError(err)
	}
	return &PollResponse{Messages: messages}, nil
}

// Send accepts data and status replies from a client.
func (srv *grpcServer) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	grpc_ctxtags.Extract(ctx).Set("client_id", req.ClientId)
	now := srv.Clock()
	responses := make([]*model.Response, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if err := validateReply(req.ClientId, msg); err != nil {
			return nil, err
		}
		resp := msg.Response()
		if resp.Timestamp.IsZero() {
			resp.Timestamp = now
		}
		responses = append(responses, resp)
	}
	if err := srv.FlowService.ReceiveResponses(ctx, responses); err != nil {
		return nil, storageError(err)
	}
	return &SendResponse{Accepted: len(responses)}, nil
}

func validateReply(clientId string, msg *model.Message) error {
	if msg == nil {
		return InvalidMessageError{ClientId: clientId, Reason: "empty message"}
	}
	if msg.ClientId != clientId {
		return InvalidMessageError{ClientId: clientId, Reason: fmt.Sprintf("message addressed to %s", msg.ClientId)}
	}
	if msg.ResponseId == 0 {
		return InvalidMessageError{ClientId: clientId, Reason: "response id must be positive"}
	}
	switch msg.Type {
	case model.MESSAGE:
	case model.STATUS:
		if msg.Status == nil {
			return InvalidMessageError{ClientId: clientId, Reason: "status reply without status"}
		}
	default:
		return InvalidMessageError{ClientId: clientId, Reason: fmt.Sprintf("unsupported reply type %q", msg.Type)}
	}
	return nil
}

func storageError(err error) error {
	switch err.(type) {
	case persistence.StorageLayerError:
		return StorageLayerError{}
	}
	return err
}
