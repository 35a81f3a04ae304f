package flows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/model"
)

const clientId = "C.1000000000000000"

func newEnv(t *testing.T) *flowtest.Env {
	env := flowtest.NewEnv(t)
	env.AddClient(t, clientId)
	require.NoError(t, Register(env.Registry))
	return env
}

func actionArgs(t *testing.T, fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestClientActionFlowRelaysReplies(t *testing.T) {
	env := newEnv(t)
	client := flowtest.NewActionMock(map[string]flowtest.ActionFunc{
		"Echo": func(msg *model.Message) ([]proto.Message, error) {
			args := &structpb.Struct{}
			if err := msg.Payload.UnpackTo(args); err != nil {
				return nil, err
			}
			return []proto.Message{wrapperspb.String(args.Fields["text"].GetStringValue()), wrapperspb.String("again")}, nil
		},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{
		ClientId: clientId,
		FlowName: ClientActionFlowName,
		Args:     actionArgs(t, map[string]any{"action": "Echo", "args": map[string]any{"text": "hi"}}),
	}, client)

	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
	results := env.Results(t, clientId, flowId)
	require.Len(t, results, 2)
	require.Equal(t, "hi", results[0].(*wrapperspb.StringValue).GetValue())
	require.Contains(t, env.LogMessages(t, clientId, flowId), "calling client action Echo")
}

func TestClientActionFlowFailsOnClientError(t *testing.T) {
	env := newEnv(t)
	flowId := env.StartAndRun(t, flow.StartFlowArgs{
		ClientId: clientId,
		FlowName: ClientActionFlowName,
		Args:     actionArgs(t, map[string]any{"action": "Missing"}),
	}, flowtest.NewActionMock(nil))

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Contains(t, f.ErrorMessage, "unknown action Missing")
}

func TestClientActionFlowValidatesArgs(t *testing.T) {
	env := newEnv(t)
	_, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{
		ClientId: clientId,
		FlowName: ClientActionFlowName,
		Args:     actionArgs(t, map[string]any{"args": map[string]any{}}),
	})
	require.ErrorAs(t, err, &flow.InvalidArgsError{})
	require.EqualError(t, err, "action is required")

	_, err = env.Service.StartFlow(context.Background(), flow.StartFlowArgs{
		ClientId: clientId,
		FlowName: ClientActionFlowName,
		Args:     actionArgs(t, map[string]any{"action": "Echo", "args": "text"}),
	})
	require.EqualError(t, err, "args must be an object")
}

func TestInterrogateFlowStoresPlatformInfo(t *testing.T) {
	env := newEnv(t)
	client := flowtest.NewActionMock(map[string]flowtest.ActionFunc{
		GetPlatformInfoAction: func(msg *model.Message) ([]proto.Message, error) {
			info, err := structpb.NewStruct(map[string]any{"system": "Linux", "hostname": "host1"})
			return []proto.Message{info}, err
		},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: InterrogateFlowName}, client)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.FINISHED, f.FlowState)
	require.JSONEq(t, `{"system": "Linux", "hostname": "host1"}`, string(f.Store[PlatformInfoKey]))
	results := env.Results(t, clientId, flowId)
	require.Len(t, results, 1)
	require.Equal(t, "host1", results[0].(*structpb.Struct).Fields["hostname"].GetStringValue())
}

func TestInterrogateFlowFailsWithoutReply(t *testing.T) {
	env := newEnv(t)
	client := flowtest.NewActionMock(map[string]flowtest.ActionFunc{
		GetPlatformInfoAction: func(msg *model.Message) ([]proto.Message, error) {
			return nil, nil
		},
	})
	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: InterrogateFlowName}, client)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Equal(t, "client sent no platform information", f.ErrorMessage)
}
