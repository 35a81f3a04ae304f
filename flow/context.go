package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/mohitkumar/fleetflow/model"
)

// Context is what a handler sees during one invocation. Everything it
// records is committed with the flow record when the handler returns nil and
// dropped when it fails.
type Context struct {
	ctx    context.Context
	svc    *FlowService
	class  *FlowClass
	flow   *model.Flow
	args   proto.Message
	now    time.Time
	update *model.FlowUpdate
}

type callOptions struct {
	callbackState string
	startTime     time.Time
	responses     []proto.Message
	outputPlugins []model.OutputPluginDescriptor
}

type CallOption func(*callOptions)

// WithCallbackState delivers responses to state incrementally, before the
// request completes.
func WithCallbackState(state string) CallOption {
	return func(o *callOptions) {
		o.callbackState = state
	}
}

// WithStartTime holds the request back until t.
func WithStartTime(t time.Time) CallOption {
	return func(o *callOptions) {
		o.startTime = t
	}
}

// WithResponses preloads the responses a CallState request completes with.
func WithResponses(values ...proto.Message) CallOption {
	return func(o *callOptions) {
		o.responses = append(o.responses, values...)
	}
}

// WithOutputPlugins runs a child flow with the given plugins. Children get
// none otherwise.
func WithOutputPlugins(plugins ...model.OutputPluginDescriptor) CallOption {
	return func(o *callOptions) {
		o.outputPlugins = append(o.outputPlugins, plugins...)
	}
}

func applyOptions(opts []CallOption) *callOptions {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (f *Context) Context() context.Context {
	return f.ctx
}

// Now is the time the current invocation started.
func (f *Context) Now() time.Time {
	return f.now
}

func (f *Context) ClientId() string {
	return f.flow.ClientId
}

func (f *Context) FlowId() string {
	return f.flow.FlowId
}

func (f *Context) Creator() string {
	return f.flow.Creator
}

func (f *Context) FlowName() string {
	return f.flow.FlowClassName
}

// Args is the decoded argument message, nil for flows without ArgsType.
func (f *Context) Args() proto.Message {
	return f.args
}

func (f *Context) OutputPlugins() []model.OutputPluginDescriptor {
	return f.flow.OutputPlugins
}

// Get decodes the stored value of key into v. It reports false when the key
// was never set.
func (f *Context) Get(key string, v any) (bool, error) {
	raw, ok := f.flow.Store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (f *Context) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if f.flow.Store == nil {
		f.flow.Store = make(map[string]json.RawMessage)
	}
	f.flow.Store[key] = raw
	return nil
}

func (f *Context) checkStates(states ...string) error {
	for _, s := range states {
		if s == "" {
			continue
		}
		if _, err := f.class.state(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *Context) nextRequestId() uint64 {
	id := f.flow.NextRequestId
	f.flow.NextRequestId++
	return id
}

func optionalPayload(m proto.Message) (*model.Payload, error) {
	if m == nil {
		return nil, nil
	}
	return model.NewPayload(m)
}

// CallClient sends action to the client. nextState runs once the client
// reported a status for the request.
func (f *Context) CallClient(action string, args proto.Message, nextState string, opts ...CallOption) error {
	o := applyOptions(opts)
	if err := f.checkStates(nextState, o.callbackState); err != nil {
		return err
	}
	limits, err := remainingLimits(f.flow)
	if err != nil {
		return err
	}
	payload, err := optionalPayload(args)
	if err != nil {
		return err
	}
	id := f.nextRequestId()
	f.update.NewRequests = append(f.update.NewRequests, &model.Request{
		ClientId:      f.flow.ClientId,
		FlowId:        f.flow.FlowId,
		RequestId:     id,
		NextState:     nextState,
		CallbackState: o.callbackState,
		StartTime:     o.startTime,
		ClientAction:  action,
		CreateTime:    f.now,
	})
	f.update.ClientMessages = append(f.update.ClientMessages, &model.Message{
		ClientId:          f.flow.ClientId,
		FlowId:            f.flow.FlowId,
		RequestId:         id,
		Name:              action,
		Type:              model.MESSAGE,
		Payload:           payload,
		CpuLimit:          limits.CpuLimit,
		NetworkBytesLimit: limits.NetworkBytesLimit,
		RuntimeLimit:      limits.RuntimeLimit,
		Timestamp:         f.now,
	})
	return nil
}

// CallFlow starts a child flow and returns its id. The child's results and
// final status arrive as the responses of a request handled by nextState.
func (f *Context) CallFlow(flowName string, args proto.Message, nextState string, opts ...CallOption) (string, error) {
	o := applyOptions(opts)
	if err := f.checkStates(nextState, o.callbackState); err != nil {
		return "", err
	}
	class, err := f.svc.registry.Get(flowName)
	if err != nil {
		return "", err
	}
	childArgs, err := class.checkArgs(args)
	if err != nil {
		return "", err
	}
	if err := class.validate(childArgs); err != nil {
		return "", err
	}
	limits, err := remainingLimits(f.flow)
	if err != nil {
		return "", err
	}

	childId := model.RandomFlowId()
	request := &model.Request{
		ClientId:      f.flow.ClientId,
		FlowId:        f.flow.FlowId,
		RequestId:     f.nextRequestId(),
		NextState:     nextState,
		CallbackState: o.callbackState,
		StartTime:     o.startTime,
		ChildFlowId:   childId,
		CreateTime:    f.now,
	}
	// The child may finish before this handler returns, so its parent
	// request has to exist first.
	if err := f.svc.store.WriteFlowRequests(f.ctx, []*model.Request{request}); err != nil {
		return "", err
	}
	f.update.NewRequests = append(f.update.NewRequests, request)

	_, err = f.svc.startFlow(f.ctx, class, childArgs, StartFlowArgs{
		ClientId:        f.flow.ClientId,
		FlowName:        flowName,
		FlowId:          childId,
		Creator:         f.flow.Creator,
		RunnerArgs:      limits,
		OutputPlugins:   o.outputPlugins,
		ParentFlowId:    f.flow.FlowId,
		ParentRequestId: request.RequestId,
		ParentHuntId:    f.flow.ParentHuntId,
	})
	if err != nil {
		return "", err
	}
	return childId, nil
}

// CallState runs nextState as if a request had completed with the given
// responses.
func (f *Context) CallState(nextState string, opts ...CallOption) error {
	o := applyOptions(opts)
	if err := f.checkStates(nextState); err != nil {
		return err
	}
	id := f.nextRequestId()
	f.update.NewRequests = append(f.update.NewRequests, &model.Request{
		ClientId:   f.flow.ClientId,
		FlowId:     f.flow.FlowId,
		RequestId:  id,
		NextState:  nextState,
		StartTime:  o.startTime,
		CreateTime: f.now,
	})
	for i, v := range o.responses {
		payload, err := model.NewPayload(v)
		if err != nil {
			return err
		}
		f.update.Responses = append(f.update.Responses, &model.Response{
			ClientId:   f.flow.ClientId,
			FlowId:     f.flow.FlowId,
			RequestId:  id,
			ResponseId: uint64(i + 1),
			Type:       model.MESSAGE,
			Payload:    payload,
			Timestamp:  f.now,
		})
	}
	f.update.Responses = append(f.update.Responses, &model.Response{
		ClientId:   f.flow.ClientId,
		FlowId:     f.flow.FlowId,
		RequestId:  id,
		ResponseId: uint64(len(o.responses) + 1),
		Type:       model.STATUS,
		Status:     &model.Status{Status: model.STATUS_OK},
		Timestamp:  f.now,
	})
	f.update.ProcessingRequests = append(f.update.ProcessingRequests,
		f.svc.processingRequest(f.flow, deliveryTime(f.now, o.startTime), f.now))
	return nil
}

// SendReply records one result of the flow.
func (f *Context) SendReply(value proto.Message) error {
	payload, err := model.NewPayload(value)
	if err != nil {
		return err
	}
	f.update.Results = append(f.update.Results, &model.FlowResult{
		ClientId:  f.flow.ClientId,
		FlowId:    f.flow.FlowId,
		Index:     f.flow.NumRepliesSent,
		Payload:   payload,
		Timestamp: f.now,
	})
	f.flow.NumRepliesSent++
	return nil
}

func (f *Context) Log(format string, args ...any) {
	f.update.LogEntries = append(f.update.LogEntries, &model.FlowLogEntry{
		ClientId:  f.flow.ClientId,
		FlowId:    f.flow.FlowId,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: f.now,
	})
}

func deliveryTime(now time.Time, startTime time.Time) time.Time {
	if startTime.After(now) {
		return startTime
	}
	return now
}
