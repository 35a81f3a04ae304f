package flow_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/model"
)

const (
	clientId        = "C.1000000000000000"
	returnHello     = "ReturnHello"
	getPlatformInfo = "GetPlatformInfo"
)

func newEnv(t *testing.T) *flowtest.Env {
	env := flowtest.NewEnv(t)
	env.AddClient(t, clientId)
	env.Registry.MustRegister(
		childFlow(),
		brokenChildFlow(),
		callClientChildFlow(),
		callClientParentFlow(),
		noRequestChildFlow(),
		noRequestParentFlow(),
		singleResultFlow(),
	)
	return env
}

func helloClient() *flowtest.ActionMock {
	return flowtest.NewActionMock(map[string]flowtest.ActionFunc{
		returnHello: func(msg *model.Message) ([]proto.Message, error) {
			return []proto.Message{wrapperspb.String("Hello World")}, nil
		},
		getPlatformInfo: func(msg *model.Message) ([]proto.Message, error) {
			return []proto.Message{wrapperspb.String("Linux")}, nil
		},
	})
}

func stringsOf(responses *flow.Responses) ([]string, error) {
	values, err := responses.Values()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(*wrapperspb.StringValue)
		if !ok {
			return nil, fmt.Errorf("unexpected response %T", v)
		}
		out = append(out, s.GetValue())
	}
	return out, nil
}

func noop(f *flow.Context, responses *flow.Responses) error {
	return nil
}

// childFlow relays the client's greeting to its parent.
func childFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "ChildFlow",
		Start: func(f *flow.Context) error {
			return f.CallClient(returnHello, nil, "ReceiveHello")
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				values, err := responses.Values()
				if err != nil {
					return err
				}
				for _, v := range values {
					if err := f.SendReply(wrapperspb.String("Child received")); err != nil {
						return err
					}
					if err := f.SendReply(v); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

func brokenChildFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "BrokenChildFlow",
		Start: func(f *flow.Context) error {
			return f.CallClient(returnHello, nil, "ReceiveHello")
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				return errors.New("Boo")
			},
		},
	}
}

func callClientChildFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "CallClientChildFlow",
		Start: func(f *flow.Context) error {
			return f.CallClient(getPlatformInfo, nil, "ProcessGetPlatformInfo")
		},
		States: map[string]flow.StateFunc{"ProcessGetPlatformInfo": noop},
	}
}

func callClientParentFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "CallClientParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("CallClientChildFlow", nil, "ProcessChildFlow")
			return err
		},
		States: map[string]flow.StateFunc{"ProcessChildFlow": noop},
	}
}

func noRequestChildFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "NoRequestChildFlow",
		Start: func(f *flow.Context) error {
			return nil
		},
	}
}

func noRequestParentFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "NoRequestParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("NoRequestChildFlow", nil, "ProcessChildFlow")
			return err
		},
		States: map[string]flow.StateFunc{"ProcessChildFlow": noop},
	}
}

// singleResultFlow replies once per client response.
func singleResultFlow() *flow.FlowClass {
	return &flow.FlowClass{
		Name: "SingleResultFlow",
		Start: func(f *flow.Context) error {
			return f.CallClient(returnHello, nil, "ReceiveHello")
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
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
			},
		},
	}
}
