package flow_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence/memory"
)

var errStoreDown = errors.New("store unavailable")

// downAfterChildStore stops accepting writes once a child flow's terminal
// record is committed, as if the process died right after that commit.
type downAfterChildStore struct {
	*memory.Store
	down atomic.Bool
}

func (s *downAfterChildStore) UpdateFlow(ctx context.Context, update *model.FlowUpdate) error {
	if s.down.Load() {
		return errStoreDown
	}
	if err := s.Store.UpdateFlow(ctx, update); err != nil {
		return err
	}
	if update.Flow.IsChild() && update.Flow.FlowState.IsTerminal() {
		s.down.Store(true)
	}
	return nil
}

func (s *downAfterChildStore) WriteFlowRequests(ctx context.Context, requests []*model.Request) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.WriteFlowRequests(ctx, requests)
}

func (s *downAfterChildStore) WriteFlowResponses(ctx context.Context, responses []*model.Response) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.WriteFlowResponses(ctx, responses)
}

func (s *downAfterChildStore) WriteFlowProcessingRequests(ctx context.Context, requests []*model.FlowProcessingRequest) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.WriteFlowProcessingRequests(ctx, requests)
}

func (s *downAfterChildStore) WriteFlowLogEntry(ctx context.Context, entry *model.FlowLogEntry) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.WriteFlowLogEntry(ctx, entry)
}

func (s *downAfterChildStore) WriteUserNotification(ctx context.Context, n *model.UserNotification) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.WriteUserNotification(ctx, n)
}

func TestChildOutcomeCommitsWithTerminalState(t *testing.T) {
	env := newEnv(t)
	store := &downAfterChildStore{Store: env.Store}
	svc := flow.NewFlowService(flow.Config{
		Store:    store,
		Registry: env.Registry,
		Plugins:  env.Plugins,
		Clock:    env.Clock.Now,
	})
	ctx := context.Background()
	parentId, err := svc.StartFlow(ctx, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientParentFlow"})
	require.NoError(t, err)
	children, err := svc.ReadChildFlows(ctx, clientId, parentId)
	require.NoError(t, err)
	require.Len(t, children, 1)
	childId := children[0].FlowId

	msgs, err := svc.PendingClientMessages(ctx, clientId, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	replies, err := helloClient().HandleMessage(msgs[0])
	require.NoError(t, err)
	for _, reply := range replies {
		require.NoError(t, svc.ReceiveResponses(ctx, []*model.Response{reply.Response()}))
	}
	fprs, err := env.Store.PopFlowProcessingRequests(ctx, 0, env.Clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, fprs, 1)
	state, _ := svc.ProcessFlow(ctx, fprs[0])
	require.Equal(t, model.FINISHED, state)
	require.True(t, store.down.Load())

	rrs, err := env.Store.ReadFlowRequestsAndResponses(ctx, clientId, parentId)
	require.NoError(t, err)
	require.Len(t, rrs, 1)
	require.True(t, rrs[0].IsComplete())
	status := rrs[0].StatusResponse().Status
	require.Equal(t, model.STATUS_OK, status.Status)
	require.Equal(t, childId, status.ChildFlowId)

	// Another process picks the parent up from the queue.
	env.Run(t, clientId, nil)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, parentId).FlowState)
}

type killedClient struct {
	message string
}

func (c killedClient) HandleMessage(msg *model.Message) ([]*model.Message, error) {
	return flowtest.ReplyWithStatus(msg, &model.Status{Status: model.STATUS_CLIENT_KILLED, ErrorMessage: c.message}, wrapperspb.String("partial"))
}

func TestClientKilledCrashesFlow(t *testing.T) {
	env := newEnv(t)
	flowId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "CallClientChildFlow"}, killedClient{message: "segfault"})

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.CRASHED, f.FlowState)
	require.Equal(t, "segfault", f.ErrorMessage)
	require.Empty(t, env.Results(t, clientId, flowId))
}

func TestCrashedChildReportsErrorToParent(t *testing.T) {
	env := newEnv(t)
	var status *model.Status
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "CrashWatchingParentFlow",
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
	parentId := env.StartAndRun(t, flow.StartFlowArgs{ClientId: clientId, FlowName: "CrashWatchingParentFlow"}, killedClient{})

	children, err := env.Service.ReadChildFlows(context.Background(), clientId, parentId)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, model.CRASHED, children[0].FlowState)
	require.Equal(t, "Client killed during transaction", children[0].ErrorMessage)

	require.NotNil(t, status)
	require.Equal(t, model.STATUS_GENERIC_ERROR, status.Status)
	require.Equal(t, "Client killed during transaction", status.ErrorMessage)
	require.Equal(t, model.FINISHED, env.Flow(t, clientId, parentId).FlowState)
}
