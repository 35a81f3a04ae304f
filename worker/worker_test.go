package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/persistence/memory"
)

const clientId = "C.1000000000000000"

type partitions []int

func (p partitions) GetPartitions() []int {
	return p
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	state   model.FlowState
	err     error
	started chan struct{}
}

func (p *fakeProcessor) ProcessFlow(ctx context.Context, fpr *model.FlowProcessingRequest) (model.FlowState, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first && p.block != nil {
		close(p.started)
		<-p.block
	}
	return p.state, p.err
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func request(flowId string, now time.Time) *model.FlowProcessingRequest {
	return &model.FlowProcessingRequest{ClientId: clientId, FlowId: flowId, DeliveryTime: now, CreationTime: now}
}

func newTestWorker(t *testing.T, processor Processor, queue persistence.ProcessingQueue, clock func() time.Time) *Worker {
	w := NewWorker(Config{PollInterval: time.Hour, Concurrency: 4, RetryDelay: 5 * time.Second, Clock: clock}, processor, queue, partitions{0})
	t.Cleanup(func() {
		_ = w.Stop()
	})
	return w
}

func TestWorkerCoalescesRequestsForRunningFlow(t *testing.T) {
	clock := flowtest.NewClock()
	p := &fakeProcessor{state: model.RUNNING, block: make(chan struct{}), started: make(chan struct{})}
	w := newTestWorker(t, p, memory.NewStore(), clock.Now)

	w.dispatch(request("F:1", clock.Now()))
	<-p.started
	w.dispatch(request("F:1", clock.Now()))
	w.dispatch(request("F:1", clock.Now()))
	require.Equal(t, 1, w.InFlight())
	close(p.block)

	require.Eventually(t, func() bool {
		return w.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, p.count())
}

func TestWorkerRequeuesLeasedFlows(t *testing.T) {
	clock := flowtest.NewClock()
	store := memory.NewStore()
	p := &fakeProcessor{err: persistence.ErrFlowLeased}
	w := newTestWorker(t, p, store, clock.Now)

	w.dispatch(request("F:1", clock.Now()))
	require.Eventually(t, func() bool {
		return w.InFlight() == 0
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	due, err := store.PopFlowProcessingRequests(ctx, 0, clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = store.PopFlowProcessingRequests(ctx, 0, clock.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "F:1", due[0].FlowId)
}

func TestWorkerDropsRequestsForTerminalFlows(t *testing.T) {
	clock := flowtest.NewClock()
	p := &fakeProcessor{state: model.FINISHED}
	w := newTestWorker(t, p, memory.NewStore(), clock.Now)

	w.dispatch(request("F:1", clock.Now()))
	require.Eventually(t, func() bool {
		return w.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, w.states.IsTerminal(model.FlowKey(clientId, "F:1")))

	w.dispatch(request("F:1", clock.Now()))
	require.Equal(t, 0, w.InFlight())
	require.Equal(t, 1, p.count())
}

func TestWorkerRunsDueFlows(t *testing.T) {
	env := flowtest.NewEnv(t)
	env.AddClient(t, clientId)
	env.Registry.MustRegister(&flow.FlowClass{
		Name: "DelayedReplyFlow",
		Start: func(f *flow.Context) error {
			return f.CallState("Reply", flow.WithStartTime(f.Now().Add(10*time.Second)))
		},
		States: map[string]flow.StateFunc{
			"Reply": func(f *flow.Context, responses *flow.Responses) error {
				return f.SendReply(wrapperspb.String("done"))
			},
		},
	})
	w := newTestWorker(t, env.Service, env.Store, env.Clock.Now)

	flowId, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: "DelayedReplyFlow"})
	require.NoError(t, err)

	w.Poll()
	require.Equal(t, 0, w.InFlight())
	require.Equal(t, model.RUNNING, env.Flow(t, clientId, flowId).FlowState)

	env.Clock.Advance(10 * time.Second)
	w.Poll()
	require.Eventually(t, func() bool {
		f, err := env.Service.ReadFlow(context.Background(), clientId, flowId)
		return err == nil && f.FlowState == model.FINISHED
	}, time.Second, 5*time.Millisecond)
	require.Len(t, env.Results(t, clientId, flowId), 1)
}
