package flow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

func TestNotMatchingArgType(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(&flow.FlowClass{
		Name:     "StringArgsFlow",
		ArgsType: &wrapperspb.StringValue{},
		Start: func(f *flow.Context) error {
			return nil
		},
	})
	ctx := context.Background()

	_, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "NoRequestChildFlow", Args: wrapperspb.String("x")})
	require.ErrorAs(t, err, &flow.ArgsTypeError{})

	_, err = env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "StringArgsFlow", Args: wrapperspb.Int64(1)})
	require.ErrorAs(t, err, &flow.ArgsTypeError{})

	flows, err := env.Service.ListFlows(ctx, clientId)
	require.NoError(t, err)
	require.Empty(t, flows)
}

func TestUnknownFlowClass(t *testing.T) {
	env := newEnv(t)
	_, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: "Nope"})
	require.ErrorAs(t, err, &flow.UnknownFlowClassError{})
}

func TestStartFlowUnknownClient(t *testing.T) {
	env := newEnv(t)
	_, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: "C.2000000000000000", FlowName: "NoRequestChildFlow"})
	require.ErrorAs(t, err, &persistence.UnknownClientError{})
}

func TestDuplicateIDs(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow"})
	require.NoError(t, err)

	_, err = env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow", FlowId: flowId})
	require.ErrorAs(t, err, &persistence.DuplicateFlowIdError{})
}

func TestChildTermination(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow"})
	require.NoError(t, err)

	children, err := env.Service.ReadChildFlows(ctx, clientId, flowId)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, model.RUNNING, env.Flow(t, clientId, flowId).FlowState)
	require.Equal(t, model.RUNNING, children[0].FlowState)

	require.NoError(t, env.Service.TerminateFlow(ctx, clientId, flowId, "Testing"))

	parent := env.Flow(t, clientId, flowId)
	child := env.Flow(t, clientId, children[0].FlowId)
	require.Equal(t, model.ERROR, parent.FlowState)
	require.Equal(t, model.ERROR, child.FlowState)
	require.Equal(t, "Testing", child.ErrorMessage)

	// Terminating twice is a no-op.
	require.NoError(t, env.Service.TerminateFlow(ctx, clientId, flowId, "Again"))
	require.Equal(t, "Testing", env.Flow(t, clientId, flowId).ErrorMessage)
}

func TestTerminatedChildReportsToParent(t *testing.T) {
	env := newEnv(t)
	var status *model.Status
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "WatchingParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("CallClientChildFlow", nil, "ProcessChildFlow")
			return err
		},
		States: map[string]flow.StateFunc{
			"ProcessChildFlow": func(f *flow.Context, responses *flow.Responses) error {
				status = responses.Status()
				return nil
			},
		},
	})
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "WatchingParentFlow"})
	require.NoError(t, err)
	children, err := env.Service.ReadChildFlows(ctx, clientId, flowId)
	require.NoError(t, err)
	require.Len(t, children, 1)

	require.NoError(t, env.Service.TerminateFlow(ctx, clientId, children[0].FlowId, "Stopped"))
	env.Run(t, clientId, nil)

	require.NotNil(t, status)
	require.Equal(t, model.STATUS_GENERIC_ERROR, status.Status)
	require.Equal(t, "Stopped", status.ErrorMessage)
	require.Equal(t, children[0].FlowId, status.ChildFlowId)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
}

func TestExceptionInStart(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(
		&flow.FlowClass{
			Name: "FlowWithBrokenStart",
			Start: func(f *flow.Context) error {
				return errors.New("boo")
			},
		},
		&flow.FlowClass{
			Name: "FlowWithPanickingStart",
			Start: func(f *flow.Context) error {
				panic("boo")
			},
		},
	)
	for _, name := range []string{"FlowWithBrokenStart", "FlowWithPanickingStart"} {
		t.Run(name, func(t *testing.T) {
			flowId, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: name})
			require.NoError(t, err)

			f := env.Flow(t, clientId, flowId)
			require.Equal(t, model.ERROR, f.FlowState)
			require.Equal(t, "boo", f.ErrorMessage)
			require.NotEmpty(t, f.Backtrace)
		})
	}
}

func TestFailedStartDiscardsRequests(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "CallThenFailFlow",
		Start: func(f *flow.Context) error {
			if err := f.CallClient(returnHello, nil, "Done"); err != nil {
				return err
			}
			return errors.New("late failure")
		},
		States: map[string]flow.StateFunc{"Done": noop},
	})
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallThenFailFlow"})
	require.NoError(t, err)

	msgs, err := env.Service.PendingClientMessages(ctx, clientId, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	rrs, err := env.Store.ReadFlowRequestsAndResponses(ctx, clientId, flowId)
	require.NoError(t, err)
	require.Empty(t, rrs)
	require.Equal(t, uint64(1), env.Flow(t, clientId, flowId).NextRequestId)
}

func TestUnknownStateIsRejected(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "TypoFlow",
		Start: func(f *flow.Context) error {
			return f.CallClient(returnHello, nil, "ReceiveHelo")
		},
		States: map[string]flow.StateFunc{"ReceiveHello": noop},
	})
	flowId, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: "TypoFlow"})
	require.NoError(t, err)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Contains(t, f.ErrorMessage, `no state "ReceiveHelo"`)
}

func TestCallState(t *testing.T) {
	env := newEnv(t)
	success := false
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "CallStateFlow",
		Start: func(f *flow.Context) error {
			return f.CallState("ReceiveHello")
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				success = true
				return nil
			},
		},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallStateFlow"}, nil)
	require.True(t, success)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
}

func TestCallStateWithResponses(t *testing.T) {
	env := newEnv(t)
	success := false
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "CallStateFlowWithResponses",
		Start: func(f *flow.Context) error {
			var responses []proto.Message
			for i := 0; i < 10; i++ {
				path, err := structpb.NewStruct(map[string]any{"path": fmt.Sprintf("/tmp/%d.txt", i), "pathtype": "OS"})
				if err != nil {
					return err
				}
				responses = append(responses, path)
			}
			return f.CallState("ReceiveHello",
				flow.WithResponses(responses...),
				flow.WithStartTime(f.Now().Add(time.Second)))
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				if responses.Len() != 10 {
					return fmt.Errorf("expected 10 responses, got: %d", responses.Len())
				}
				values, err := responses.Values()
				if err != nil {
					return err
				}
				for i, v := range values {
					path := v.(*structpb.Struct).GetFields()["path"].GetStringValue()
					if path != fmt.Sprintf("/tmp/%d.txt", i) {
						return fmt.Errorf("unexpected response %s", path)
					}
				}
				success = true
				return nil
			},
		},
	})

	flowId, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: "CallStateFlowWithResponses"})
	require.NoError(t, err)
	// Nothing is due before the start time.
	env.Clock.Advance(500 * time.Millisecond)
	fprs, err := env.Store.PopFlowProcessingRequests(context.Background(), 0, env.Clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, fprs)

	env.Run(t, clientId, nil)
	require.True(t, success)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
}

func TestFlowStorePersistsAcrossStates(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "CountingFlow",
		Start: func(f *flow.Context) error {
			if err := f.Set("count", 1); err != nil {
				return err
			}
			return f.CallState("Next")
		},
		States: map[string]flow.StateFunc{
			"Next": func(f *flow.Context, responses *flow.Responses) error {
				var count int
				ok, err := f.Get("count", &count)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("count was not stored")
				}
				return f.SendReply(wrapperspb.Int64(int64(count + 1)))
			},
		},
	})
	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "CountingFlow"}, nil)

	results := env.Results(t, clientId, flowId)
	require.Len(t, results, 1)
	require.Equal(t, int64(2), results[0].(*wrapperspb.Int64Value).GetValue())
}

func TestChainedFlow(t *testing.T) {
	env := newEnv(t)
	var received []string
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "ParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("ChildFlow", nil, "ParentReceiveHello")
			return err
		},
		States: map[string]flow.StateFunc{
			"ParentReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				var err error
				received, err = stringsOf(responses)
				return err
			},
		},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "ParentFlow"}, helloClient())
	require.Equal(t, []string{"Child received", "Hello World"}, received)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
}

func TestBrokenChainedFlow(t *testing.T) {
	env := newEnv(t)
	success := false
	var childError string
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "BrokenParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("BrokenChildFlow", nil, "ReceiveHello")
			return err
		},
		States: map[string]flow.StateFunc{
			"ReceiveHello": func(f *flow.Context, responses *flow.Responses) error {
				if responses.Len() > 0 || responses.Success() {
					return errors.New("error not propagated to parent")
				}
				childError = responses.Status().ErrorMessage
				success = true
				return nil
			},
		},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "BrokenParentFlow"}, helloClient())
	require.True(t, success)
	require.Equal(t, "Boo", childError)
	// The parent does not fail, only the child does.
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
}

func TestCreatorPropagation(t *testing.T) {
	env := newEnv(t)
	username := "original user"
	env.AddUser(t, username)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "ParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("ChildFlow", nil, "Done")
			return err
		},
		States: map[string]flow.StateFunc{"Done": noop},
	})

	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "ParentFlow", Creator: username}, helloClient())
	require.Equal(t, username, env.Flow(t, clientId, flowId).Creator)

	children, err := env.Service.ReadChildFlows(context.Background(), clientId, flowId)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, username, children[0].Creator)
	require.Equal(t, flowId, children[0].ParentFlowId)
}

func TestNestedFlowsHaveTheirResultsSaved(t *testing.T) {
	env := newEnv(t)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "ParentFlow",
		Start: func(f *flow.Context) error {
			_, err := f.CallFlow("ChildFlow", nil, "Done")
			return err
		},
		States: map[string]flow.StateFunc{"Done": noop},
	})
	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "ParentFlow"}, helloClient())

	children, err := env.Service.ReadChildFlows(context.Background(), clientId, flowId)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Len(t, env.Results(t, clientId, children[0].FlowId), 2)
	require.Empty(t, env.Results(t, clientId, flowId))
}

func TestUserGetsNotificationWithNumberOfResults(t *testing.T) {
	env := newEnv(t)
	username := "notification_test_user"
	env.AddUser(t, username)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "FlowWithMultipleResultTypes",
		Start: func(f *flow.Context) error {
			return f.CallState("SendReplies")
		},
		States: map[string]flow.StateFunc{
			"SendReplies": func(f *flow.Context, responses *flow.Responses) error {
				for _, v := range []proto.Message{
					wrapperspb.Int64(42),
					wrapperspb.String("foo bar"),
					wrapperspb.String("foo1 bar1"),
					wrapperspb.Bytes([]byte("aff4:/foo/bar")),
					wrapperspb.Bytes([]byte("aff4:/foo1/bar1")),
					wrapperspb.Bytes([]byte("aff4:/foo2/bar2")),
				} {
					if err := f.SendReply(v); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})
	env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "FlowWithMultipleResultTypes", Creator: username}, nil)

	notifications, err := env.Service.ReadNotifications(context.Background(), username)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Contains(t, notifications[0].Message, "FlowWithMultipleResultTypes completed with 6 results")
	require.Equal(t, model.FLOW_RUN_COMPLETED, notifications[0].Type)
}

func TestUserGetsNotificationOnFailure(t *testing.T) {
	env := newEnv(t)
	username := "notification_test_user"
	env.AddUser(t, username)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "FlowWithBrokenStart",
		Start: func(f *flow.Context) error {
			return errors.New("boo")
		},
	})
	_, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: "FlowWithBrokenStart", Creator: username})
	require.NoError(t, err)

	notifications, err := env.Service.ReadNotifications(context.Background(), username)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, "FlowWithBrokenStart failed: boo", notifications[0].Message)
	require.Equal(t, model.FLOW_RUN_FAILED, notifications[0].Type)
}

func TestChildFlowsDoNotNotify(t *testing.T) {
	env := newEnv(t)
	username := "u0"
	env.AddUser(t, username)
	env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "NoRequestParentFlow", Creator: username}, nil)

	notifications, err := env.Service.ReadNotifications(context.Background(), username)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Contains(t, notifications[0].Message, "NoRequestParentFlow")
}

func TestProcessFlowReportsNothingToProcess(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow"})
	require.NoError(t, err)

	state, err := env.Service.ProcessFlow(ctx, &model.FlowProcessingRequest{ClientId: clientId, FlowId: flowId})
	require.ErrorIs(t, err, flow.ErrFlowHasNothingToProcess)
	require.ErrorAs(t, err, &flow.NothingToProcessError{})
	require.Equal(t, model.RUNNING, state)
}

func TestProcessFlowOnLeasedFlow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow"})
	require.NoError(t, err)

	_, err = env.Store.LeaseFlowForProcessing(ctx, clientId, flowId, "other-worker", time.Minute)
	require.NoError(t, err)
	_, err = env.Service.ProcessFlow(ctx, &model.FlowProcessingRequest{ClientId: clientId, FlowId: flowId})
	require.ErrorIs(t, err, persistence.ErrFlowLeased)
}

func TestReceiveResponsesDropsUnknownTargets(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "SingleResultFlow"})
	require.NoError(t, err)

	status := &model.Status{Status: model.STATUS_OK}
	require.NoError(t, env.Service.ReceiveResponses(ctx, []*model.Response{
		{ClientId: clientId, FlowId: "0000000000000000", RequestId: 1, ResponseId: 1, Type: model.STATUS, Status: status},
		{ClientId: clientId, FlowId: flowId, RequestId: 7, ResponseId: 1, Type: model.STATUS, Status: status},
	}))
	fprs, err := env.Store.PopFlowProcessingRequests(ctx, 0, env.Clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, fprs)

	require.NoError(t, env.Service.TerminateFlow(ctx, clientId, flowId, "done"))
	require.NoError(t, env.Service.ReceiveResponses(ctx, []*model.Response{
		{ClientId: clientId, FlowId: flowId, RequestId: 1, ResponseId: 1, Type: model.STATUS, Status: status},
	}))
	fprs, err = env.Store.PopFlowProcessingRequests(ctx, 0, env.Clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, fprs)
}

func TestDuplicateResponsesAreAbsorbed(t *testing.T) {
	env := newEnv(t)
	client := helloClient()
	ctx := context.Background()
	flowId, err := env.Service.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "SingleResultFlow"})
	require.NoError(t, err)

	msgs, err := env.Service.PendingClientMessages(ctx, clientId, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	replies, err := client.HandleMessage(msgs[0])
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for _, reply := range replies {
			require.NoError(t, env.Service.ReceiveResponses(ctx, []*model.Response{reply.Response()}))
		}
	}
	env.Run(t, clientId, client)

	require.Equal(t, model.FINISHED, env.Flow(t, clientId, flowId).FlowState)
	require.Len(t, env.Results(t, clientId, flowId), 1)
}
