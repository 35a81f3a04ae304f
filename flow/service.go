package flow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/metrics"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/outputplugin"
	"github.com/mohitkumar/fleetflow/persistence"
)

const defaultLeaseTTL = 5 * time.Minute

// Partitioner maps a flow key to the processing queue partition that carries
// its notifications.
type Partitioner interface {
	GetPartition(key string) int
}

type singlePartition struct{}

func (singlePartition) GetPartition(key string) int {
	return 0
}

type Config struct {
	Store       persistence.Store
	Registry    *Registry
	Plugins     *outputplugin.Registry
	Partitioner Partitioner
	Clock       func() time.Time
	// LeaseOwner prefixes every lease this service takes.
	LeaseOwner string
	LeaseTTL   time.Duration
}

type FlowService struct {
	store       persistence.Store
	registry    *Registry
	plugins     *outputplugin.Registry
	partitioner Partitioner
	clock       func() time.Time
	leaseOwner  string
	leaseTTL    time.Duration
}

func NewFlowService(conf Config) *FlowService {
	s := &FlowService{
		store:       conf.Store,
		registry:    conf.Registry,
		plugins:     conf.Plugins,
		partitioner: conf.Partitioner,
		clock:       conf.Clock,
		leaseOwner:  conf.LeaseOwner,
		leaseTTL:    conf.LeaseTTL,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.plugins == nil {
		s.plugins = outputplugin.DefaultRegistry()
	}
	if s.partitioner == nil {
		s.partitioner = singlePartition{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.leaseOwner == "" {
		s.leaseOwner = uuid.NewString()
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = defaultLeaseTTL
	}
	return s
}

func (s *FlowService) Registry() *Registry {
	return s.registry
}

type StartFlowArgs struct {
	ClientId string
	FlowName string
	// FlowId is generated when empty.
	FlowId          string
	Creator         string
	Args            proto.Message
	RunnerArgs      model.RunnerArgs
	OutputPlugins   []model.OutputPluginDescriptor
	ParentFlowId    string
	ParentRequestId uint64
	ParentHuntId    string
}

// StartFlow creates a flow and runs its Start handler. A failing Start leaves
// the flow in ERROR and is not an error of StartFlow.
func (s *FlowService) StartFlow(ctx context.Context, args StartFlowArgs) (string, error) {
	class, err := s.registry.Get(args.FlowName)
	if err != nil {
		return "", err
	}
	flowArgs, err := class.checkArgs(args.Args)
	if err != nil {
		return "", err
	}
	if err := class.validate(flowArgs); err != nil {
		return "", err
	}
	return s.startFlow(ctx, class, flowArgs, args)
}

func (s *FlowService) startFlow(ctx context.Context, class *FlowClass, flowArgs proto.Message, args StartFlowArgs) (string, error) {
	flowId := args.FlowId
	if flowId == "" {
		flowId = model.RandomFlowId()
	}
	payload, err := optionalPayload(flowArgs)
	if err != nil {
		return "", err
	}
	now := s.clock()
	flow := &model.Flow{
		ClientId:             args.ClientId,
		FlowId:               flowId,
		FlowClassName:        class.Name,
		Creator:              args.Creator,
		ParentFlowId:         args.ParentFlowId,
		ParentRequestId:      args.ParentRequestId,
		ParentHuntId:         args.ParentHuntId,
		FlowState:            model.RUNNING,
		Args:                 payload,
		RunnerArgs:           args.RunnerArgs,
		NextRequestId:        1,
		NextRequestToProcess: 1,
		OutputPlugins:        args.OutputPlugins,
		CreateTime:           now,
		LastUpdateTime:       now,
	}
	if err := s.store.CreateFlow(ctx, flow); err != nil {
		return "", err
	}
	metrics.FlowsStarted.Inc()
	logger.Info("flow created", zap.String("client_id", flow.ClientId), zap.String("flow_id", flowId), zap.String("flow", class.Name), zap.String("parent_flow_id", flow.ParentFlowId))

	leased, token, err := s.lease(ctx, flow.ClientId, flowId)
	if err != nil {
		return flowId, err
	}
	defer s.release(ctx, leased, token)

	r := s.newRunner(ctx, class, leased, token)
	if err := r.start(); err != nil {
		return flowId, err
	}
	return flowId, r.settle()
}

func (s *FlowService) lease(ctx context.Context, clientId string, flowId string) (*model.Flow, string, error) {
	token := s.leaseOwner + "/" + uuid.NewString()
	flow, err := s.store.LeaseFlowForProcessing(ctx, clientId, flowId, token, s.leaseTTL)
	if err != nil {
		return nil, "", err
	}
	return flow, token, nil
}

// leaseWithRetry waits out a lease held elsewhere for a bounded time.
func (s *FlowService) leaseWithRetry(ctx context.Context, clientId string, flowId string) (*model.Flow, string, error) {
	var flow *model.Flow
	var token string
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
	err := backoff.Retry(func() error {
		var err error
		flow, token, err = s.lease(ctx, clientId, flowId)
		if err != nil && !errors.Is(err, persistence.ErrFlowLeased) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return flow, token, err
}

func (s *FlowService) release(ctx context.Context, flow *model.Flow, token string) {
	if err := s.store.ReleaseProcessedFlow(ctx, flow.ClientId, flow.FlowId, token); err != nil {
		logger.Error("error releasing flow", zap.String("client_id", flow.ClientId), zap.String("flow_id", flow.FlowId), zap.Error(err))
	}
}

func (s *FlowService) processingRequest(flow *model.Flow, delivery time.Time, now time.Time) *model.FlowProcessingRequest {
	return &model.FlowProcessingRequest{
		ClientId:     flow.ClientId,
		FlowId:       flow.FlowId,
		Partition:    s.partitioner.GetPartition(flow.Key()),
		DeliveryTime: delivery,
		CreationTime: now,
	}
}

// ProcessFlow resumes the flow a processing request points at. It returns
// ErrFlowLeased when another worker holds the flow and a NothingToProcessError
// when no request was ready.
func (s *FlowService) ProcessFlow(ctx context.Context, fpr *model.FlowProcessingRequest) (model.FlowState, error) {
	flow, token, err := s.lease(ctx, fpr.ClientId, fpr.FlowId)
	if err != nil {
		return "", err
	}
	defer s.release(ctx, flow, token)

	if flow.FlowState.IsTerminal() {
		return flow.FlowState, NothingToProcessError{ClientId: flow.ClientId, FlowId: flow.FlowId}
	}
	class, err := s.registry.Get(flow.FlowClassName)
	if err != nil {
		r := s.newRunner(ctx, &FlowClass{Name: flow.FlowClassName}, flow, token)
		if err := r.fail(err); err != nil {
			return flow.FlowState, err
		}
		return r.flow.FlowState, r.settle()
	}

	r := s.newRunner(ctx, class, flow, token)
	processed, err := r.process()
	if err != nil {
		return r.flow.FlowState, err
	}
	if !processed {
		return r.flow.FlowState, NothingToProcessError{ClientId: flow.ClientId, FlowId: flow.FlowId}
	}
	if err := r.settle(); err != nil {
		return r.flow.FlowState, err
	}
	return r.flow.FlowState, nil
}

// TerminateFlow moves a flow and every running descendant to ERROR with
// reason. Terminating a finished flow does nothing.
func (s *FlowService) TerminateFlow(ctx context.Context, clientId string, flowId string, reason string) error {
	return s.terminateFlow(ctx, clientId, flowId, reason, true)
}

func (s *FlowService) terminateFlow(ctx context.Context, clientId string, flowId string, reason string, notifyParent bool) error {
	flow, token, err := s.leaseWithRetry(ctx, clientId, flowId)
	if err != nil {
		return err
	}
	defer s.release(ctx, flow, token)
	if flow.FlowState.IsTerminal() {
		return nil
	}

	r := s.newRunner(ctx, nil, flow, token)
	r.relay = notifyParent
	if err := r.terminate(model.ERROR, reason, ""); err != nil {
		return err
	}
	children, err := s.store.ReadChildFlowObjects(ctx, clientId, flowId)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.FlowState.IsTerminal() {
			continue
		}
		if err := s.terminateFlow(ctx, clientId, child.FlowId, reason, false); err != nil {
			return err
		}
	}
	return s.finish(ctx, r.flow)
}

// finish runs once a flow reached a terminal state: output plugins and the
// creator's notification. The relay to a parent is part of the terminal
// update itself.
func (s *FlowService) finish(ctx context.Context, flow *model.Flow) error {
	metrics.FlowsTerminated.WithLabelValues(string(flow.FlowState)).Inc()
	results, err := s.store.ReadFlowResults(ctx, flow.ClientId, flow.FlowId, 0, 0)
	if err != nil {
		return err
	}
	s.runOutputPlugins(ctx, flow, results)
	s.notifyCreator(ctx, flow, len(results))
	return nil
}

func (s *FlowService) ReadFlow(ctx context.Context, clientId string, flowId string) (*model.Flow, error) {
	return s.store.ReadFlowObject(ctx, clientId, flowId)
}

func (s *FlowService) ListFlows(ctx context.Context, clientId string) ([]*model.Flow, error) {
	return s.store.ReadAllFlowObjects(ctx, clientId)
}

func (s *FlowService) ReadChildFlows(ctx context.Context, clientId string, flowId string) ([]*model.Flow, error) {
	return s.store.ReadChildFlowObjects(ctx, clientId, flowId)
}

func (s *FlowService) ReadFlowResults(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowResult, error) {
	return s.store.ReadFlowResults(ctx, clientId, flowId, offset, count)
}

func (s *FlowService) ReadFlowLog(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowLogEntry, error) {
	return s.store.ReadFlowLogEntries(ctx, clientId, flowId, offset, count)
}
