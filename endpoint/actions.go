package endpoint

import (
	"context"
	"os"
	"runtime"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flows"
	"github.com/mohitkumar/fleetflow/util"
)

// RegisterBuiltinActions installs the actions the built-in flows call.
func (e *Endpoint) RegisterBuiltinActions() {
	e.RegisterAction(flows.GetPlatformInfoAction, GetPlatformInfo)
	e.RegisterAction("ReturnHello", func(ctx context.Context, args proto.Message) ([]proto.Message, error) {
		return []proto.Message{wrapperspb.String("Hello World")}, nil
	})
}

func GetPlatformInfo(ctx context.Context, args proto.Message) ([]proto.Message, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	info, err := util.ConvertMapToStruct(map[string]any{
		"system":       runtime.GOOS,
		"architecture": runtime.GOARCH,
		"hostname":     hostname,
	})
	if err != nil {
		return nil, err
	}
	return []proto.Message{info}, nil
}
