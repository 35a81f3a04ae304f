package frontend

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func withMessage(code codes.Code, msg string) *status.Status {
	st := status.New(code, msg)
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

type InvalidMessageError struct {
	ClientId string
	Reason   string
}

func (e InvalidMessageError) GRPCStatus() *status.Status {
	return withMessage(codes.InvalidArgument, fmt.Sprintf("invalid message from client %s: %s", e.ClientId, e.Reason))
}

func (e InvalidMessageError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type StorageLayerError struct{}

func (e StorageLayerError) GRPCStatus() *status.Status {
	return withMessage(codes.Internal, "error in underline storage layer")
}

func (e StorageLayerError) Error() string {
	return e.GRPCStatus().Err().Error()
}
