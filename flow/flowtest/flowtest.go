// Package flowtest runs flows against simulated clients in process.
package flowtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/outputplugin"
	"github.com/mohitkumar/fleetflow/persistence/memory"
)

const maxIdleTicks = 5

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ClientMock answers client action requests. Returned messages are fed back
// one at a time in order.
type ClientMock interface {
	HandleMessage(msg *model.Message) ([]*model.Message, error)
}

type Env struct {
	Store    *memory.Store
	Registry *flow.Registry
	Plugins  *outputplugin.Registry
	Clock    *Clock
	Service  *flow.FlowService
}

func NewEnv(t *testing.T) *Env {
	store := memory.NewStore()
	t.Cleanup(func() {
		store.Close()
	})
	env := &Env{
		Store:    store,
		Registry: flow.NewRegistry(),
		Plugins:  outputplugin.NewRegistry(),
		Clock:    NewClock(),
	}
	env.Service = flow.NewFlowService(flow.Config{
		Store:      store,
		Registry:   env.Registry,
		Plugins:    env.Plugins,
		Clock:      env.Clock.Now,
		LeaseOwner: "flowtest",
	})
	return env
}

func (e *Env) AddClient(t *testing.T, clientId string) {
	_, err := e.Service.EnrolClient(context.Background(), clientId)
	require.NoError(t, err)
}

func (e *Env) AddUser(t *testing.T, username string) {
	require.NoError(t, e.Service.CreateUser(context.Background(), username))
}

// StartAndRun starts a flow and drives it with client until no more work
// is due.
func (e *Env) StartAndRun(t *testing.T, args flow.StartFlowArgs, client ClientMock) string {
	flowId, err := e.Service.StartFlow(context.Background(), args)
	require.NoError(t, err)
	e.Run(t, args.ClientId, client)
	return flowId
}

// Run delivers queued client messages to client and processes due flows
// until nothing happens for a few simulated seconds.
func (e *Env) Run(t *testing.T, clientId string, client ClientMock) {
	ctx := context.Background()
	for idle := 0; idle < maxIdleTicks; {
		progressed := e.processDue(t)
		msgs, err := e.Service.PendingClientMessages(ctx, clientId, 0)
		require.NoError(t, err)
		for _, msg := range msgs {
			progressed = true
			if client == nil {
				continue
			}
			replies, err := client.HandleMessage(msg)
			require.NoError(t, err)
			for _, reply := range replies {
				require.NoError(t, e.Service.ReceiveResponses(ctx, []*model.Response{reply.Response()}))
				e.processDue(t)
			}
		}
		if progressed {
			idle = 0
			continue
		}
		e.Clock.Advance(time.Second)
		idle++
	}
}

func (e *Env) processDue(t *testing.T) bool {
	ctx := context.Background()
	fprs, err := e.Store.PopFlowProcessingRequests(ctx, 0, e.Clock.Now(), 0)
	require.NoError(t, err)
	for _, fpr := range fprs {
		_, err := e.Service.ProcessFlow(ctx, fpr)
		if err != nil && !errors.Is(err, flow.ErrFlowHasNothingToProcess) {
			require.NoError(t, err)
		}
	}
	return len(fprs) > 0
}

func (e *Env) Flow(t *testing.T, clientId string, flowId string) *model.Flow {
	f, err := e.Service.ReadFlow(context.Background(), clientId, flowId)
	require.NoError(t, err)
	return f
}

// Results decodes every result of a flow.
func (e *Env) Results(t *testing.T, clientId string, flowId string) []proto.Message {
	results, err := e.Service.ReadFlowResults(context.Background(), clientId, flowId, 0, 0)
	require.NoError(t, err)
	out := make([]proto.Message, 0, len(results))
	for _, r := range results {
		m, err := r.Payload.Unpack()
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (e *Env) LogMessages(t *testing.T, clientId string, flowId string) []string {
	entries, err := e.Service.ReadFlowLog(context.Background(), clientId, flowId, 0, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Message)
	}
	return out
}

// Reply builds the data replies for msg followed by an OK status.
func Reply(msg *model.Message, values ...proto.Message) ([]*model.Message, error) {
	return ReplyWithStatus(msg, &model.Status{Status: model.STATUS_OK}, values...)
}

func ReplyWithStatus(msg *model.Message, status *model.Status, values ...proto.Message) ([]*model.Message, error) {
	out := make([]*model.Message, 0, len(values)+1)
	for i, v := range values {
		payload, err := model.NewPayload(v)
		if err != nil {
			return nil, err
		}
		out = append(out, DataReply(msg, uint64(i+1), payload))
	}
	return append(out, StatusReply(msg, uint64(len(values)+1), status)), nil
}

func DataReply(msg *model.Message, responseId uint64, payload *model.Payload) *model.Message {
	return &model.Message{
		ClientId:   msg.ClientId,
		FlowId:     msg.FlowId,
		RequestId:  msg.RequestId,
		ResponseId: responseId,
		Type:       model.MESSAGE,
		Payload:    payload,
	}
}

func StatusReply(msg *model.Message, responseId uint64, status *model.Status) *model.Message {
	return &model.Message{
		ClientId:   msg.ClientId,
		FlowId:     msg.FlowId,
		RequestId:  msg.RequestId,
		ResponseId: responseId,
		Type:       model.STATUS,
		Status:     status,
	}
}

// ActionFunc answers one client action.
type ActionFunc func(msg *model.Message) ([]proto.Message, error)

// ActionMock dispatches messages by action name. Every status it sends
// reports Usage.
type ActionMock struct {
	Actions map[string]ActionFunc
	Usage   model.Status

	mu       sync.Mutex
	Received []*model.Message
}

func NewActionMock(actions map[string]ActionFunc) *ActionMock {
	return &ActionMock{Actions: actions}
}

func (m *ActionMock) HandleMessage(msg *model.Message) ([]*model.Message, error) {
	m.mu.Lock()
	m.Received = append(m.Received, msg)
	m.mu.Unlock()

	status := m.Usage
	status.Status = model.STATUS_OK
	fn, ok := m.Actions[msg.Name]
	if !ok {
		status.Status = model.STATUS_GENERIC_ERROR
		status.ErrorMessage = "unknown action " + msg.Name
		return ReplyWithStatus(msg, &status)
	}
	values, err := fn(msg)
	if err != nil {
		status.Status = model.STATUS_GENERIC_ERROR
		status.ErrorMessage = err.Error()
		return ReplyWithStatus(msg, &status)
	}
	return ReplyWithStatus(msg, &status, values...)
}
