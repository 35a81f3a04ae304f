package flow

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/metrics"
	"github.com/mohitkumar/fleetflow/model"
)

type ScheduleFlowArgs struct {
	ClientId      string
	Creator       string
	FlowName      string
	Args          proto.Message
	RunnerArgs    model.RunnerArgs
	OutputPlugins []model.OutputPluginDescriptor
}

// ScheduleFlow records a flow start for later. The flow class and args are
// only checked when the flow is started.
func (s *FlowService) ScheduleFlow(ctx context.Context, args ScheduleFlowArgs) (*model.ScheduledFlow, error) {
	if err := s.checkClientAndUser(ctx, args.ClientId, args.Creator); err != nil {
		return nil, err
	}
	payload, err := optionalPayload(args.Args)
	if err != nil {
		return nil, err
	}
	sf := &model.ScheduledFlow{
		ClientId:        args.ClientId,
		Creator:         args.Creator,
		ScheduledFlowId: model.RandomFlowId(),
		FlowName:        args.FlowName,
		Args:            payload,
		RunnerArgs:      args.RunnerArgs,
		OutputPlugins:   args.OutputPlugins,
		CreateTime:      s.clock(),
	}
	if err := s.store.WriteScheduledFlow(ctx, sf); err != nil {
		return nil, err
	}
	return sf, nil
}

func (s *FlowService) checkClientAndUser(ctx context.Context, clientId string, username string) error {
	if _, err := s.store.ReadClient(ctx, clientId); err != nil {
		return err
	}
	if _, err := s.store.ReadUser(ctx, username); err != nil {
		return err
	}
	return nil
}

// StartScheduledFlows starts every flow creator scheduled on the client. A
// flow that fails to start keeps its scheduled entry with the error recorded
// and the remaining flows are still started.
func (s *FlowService) StartScheduledFlows(ctx context.Context, clientId string, creator string) error {
	if err := s.checkClientAndUser(ctx, clientId, creator); err != nil {
		return err
	}
	scheduled, err := s.store.ReadScheduledFlows(ctx, clientId, creator)
	if err != nil {
		return err
	}
	for _, sf := range scheduled {
		if _, err := s.startScheduledFlow(ctx, sf); err != nil {
			metrics.ScheduledFlowFailures.Inc()
			logger.Warn("error starting scheduled flow", zap.String("client_id", clientId), zap.String("scheduled_flow_id", sf.ScheduledFlowId), zap.String("flow", sf.FlowName), zap.Error(err))
			sf.Error = err.Error()
			if err := s.store.WriteScheduledFlow(ctx, sf); err != nil {
				return err
			}
			continue
		}
		if err := s.store.DeleteScheduledFlow(ctx, clientId, creator, sf.ScheduledFlowId); err != nil {
			return err
		}
	}
	return nil
}

func (s *FlowService) startScheduledFlow(ctx context.Context, sf *model.ScheduledFlow) (string, error) {
	var args proto.Message
	if sf.Args != nil {
		var err error
		if args, err = sf.Args.Unpack(); err != nil {
			return "", err
		}
	}
	return s.StartFlow(ctx, StartFlowArgs{
		ClientId:      sf.ClientId,
		FlowName:      sf.FlowName,
		FlowId:        sf.ScheduledFlowId,
		Creator:       sf.Creator,
		Args:          args,
		RunnerArgs:    sf.RunnerArgs,
		OutputPlugins: sf.OutputPlugins,
	})
}

func (s *FlowService) UnscheduleFlow(ctx context.Context, clientId string, creator string, scheduledFlowId string) error {
	return s.store.DeleteScheduledFlow(ctx, clientId, creator, scheduledFlowId)
}

func (s *FlowService) ListScheduledFlows(ctx context.Context, clientId string, creator string) ([]*model.ScheduledFlow, error) {
	return s.store.ReadScheduledFlows(ctx, clientId, creator)
}
