package frontend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mohitkumar/fleetflow/model"
)

type PollRequest struct {
	ClientId    string `json:"client_id"`
	MaxMessages int    `json:"max_messages,omitempty"`
}

type PollResponse struct {
	Messages []*model.Message `json:"messages"`
}

type SendRequest struct {
	ClientId string           `json:"client_id"`
	Messages []*model.Message `json:"messages"`
}

type SendResponse struct {
	Accepted int `json:"accepted"`
}

type FrontendServer interface {
	Poll(context.Context, *PollRequest) (*PollResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
}

const (
	serviceName    = "fleetflow.Frontend"
	pollMethodName = "/" + serviceName + "/Poll"
	sendMethodName = "/" + serviceName + "/Send"
)

var Frontend_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrontendServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Poll",
			Handler:    pollHandler,
		},
		{
			MethodName: "Send",
			Handler:    sendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetflow/frontend",
}

func RegisterFrontendServer(s grpc.ServiceRegistrar, srv FrontendServer) {
	s.RegisterService(&Frontend_ServiceDesc, srv)
}

func pollHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrontendServer).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: pollMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrontendServer).Poll(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrontendServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrontendServer).Send(ctx, req.(*SendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// FrontendClient calls the frontend with the json codec.
type FrontendClient struct {
	cc grpc.ClientConnInterface
}

func NewFrontendClient(cc grpc.ClientConnInterface) *FrontendClient {
	return &FrontendClient{cc: cc}
}

func (c *FrontendClient) Poll(ctx context.Context, in *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, pollMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FrontendClient) Send(ctx context.Context, in *SendRequest, opts ...grpc.CallOption) (*SendResponse, error) {
	out := new(SendResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, sendMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
