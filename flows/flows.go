// Package flows holds the flow classes every fleetflow server registers.
package flows

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/util"
)

const (
	ClientActionFlowName = "ClientActionFlow"
	InterrogateFlowName  = "InterrogateFlow"

	GetPlatformInfoAction = "GetPlatformInfo"
	PlatformInfoKey       = "platform_info"
)

func Register(r *flow.Registry) error {
	for _, c := range []*flow.FlowClass{ClientActionFlow(), InterrogateFlow()} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ClientActionFlow runs one client action and relays its replies as flow
// results. Args: {"action": "<name>", "args": {...}}.
func ClientActionFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name:         ClientActionFlowName,
		ArgsType:     &structpb.Struct{},
		ValidateArgs: validateClientActionArgs,
		Start: func(f *flow.Context) error {
			action, actionArgs, err := clientActionArgs(f.Args())
			if err != nil {
				return err
			}
			f.Log("calling client action %s", action)
			return f.CallClient(action, actionArgs, "ReceiveReplies")
		},
		States: map[string]flow.StateFunc{
			"ReceiveReplies": relayReplies,
		},
	}
}

func validateClientActionArgs(args proto.Message) error {
	_, _, err := clientActionArgs(args)
	return err
}

func clientActionArgs(args proto.Message) (string, proto.Message, error) {
	s, ok := args.(*structpb.Struct)
	if !ok {
		return "", nil, errors.Errorf("unexpected args %T", args)
	}
	fields := util.ConvertFromProto(s.GetFields())
	action, _ := fields["action"].(string)
	if action == "" {
		return "", nil, errors.New("action is required")
	}
	actionArgs, ok := fields["args"].(map[string]any)
	if !ok {
		if _, present := fields["args"]; present {
			return "", nil, errors.New("args must be an object")
		}
		return action, nil, nil
	}
	st, err := util.ConvertMapToStruct(actionArgs)
	if err != nil {
		return "", nil, err
	}
	return action, st, nil
}

func relayReplies(f *flow.Context, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("client action %s failed: %s", responses.Request().ClientAction, responses.Status().ErrorMessage)
	}
	values, err := responses.Values()
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := f.SendReply(v); err != nil {
			return err
		}
	}
	return nil
}

// InterrogateFlow asks the client for its platform information and keeps the
// answer in the flow store.
func InterrogateFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: InterrogateFlowName,
		Start: func(f *flow.Context) error {
			return f.CallClient(GetPlatformInfoAction, nil, "ReceivePlatformInfo")
		},
		States: map[string]flow.StateFunc{
			"ReceivePlatformInfo": func(f *flow.Context, responses *flow.Responses) error {
				if !responses.Success() {
					return fmt.Errorf("%s failed: %s", GetPlatformInfoAction, responses.Status().ErrorMessage)
				}
				values, err := responses.Values()
				if err != nil {
					return err
				}
				if len(values) == 0 {
					return errors.New("client sent no platform information")
				}
				info, err := util.ProtoToValue(values[0])
				if err != nil {
					return err
				}
				if err := f.Set(PlatformInfoKey, info); err != nil {
					return err
				}
				return f.CallState("Finish", flow.WithResponses(values[0]))
			},
			"Finish": func(f *flow.Context, responses *flow.Responses) error {
				values, err := responses.Values()
				if err != nil {
					return err
				}
				for _, v := range values {
					if err := f.SendReply(v); err != nil {
						return err
					}
				}
				f.Log("interrogation of %s finished", f.ClientId())
				return nil
			},
		},
	}
}
