package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

// notifyCreator tells the user who started a top level flow how it ended.
func (s *FlowService) notifyCreator(ctx context.Context, flow *model.Flow, numResults int) {
	if flow.IsChild() || flow.Creator == "" {
		return
	}
	if _, err := s.store.ReadUser(ctx, flow.Creator); err != nil {
		if !persistence.IsNotFound(err) {
			logger.Error("error reading flow creator", zap.String("flow_id", flow.FlowId), zap.String("creator", flow.Creator), zap.Error(err))
		}
		return
	}
	n := &model.UserNotification{
		Username:  flow.Creator,
		ClientId:  flow.ClientId,
		FlowId:    flow.FlowId,
		Timestamp: s.clock(),
	}
	if flow.FlowState == model.FINISHED {
		n.Type = model.FLOW_RUN_COMPLETED
		n.Message = fmt.Sprintf("%s completed with %d results", flow.FlowClassName, numResults)
	} else {
		n.Type = model.FLOW_RUN_FAILED
		n.Message = fmt.Sprintf("%s failed: %s", flow.FlowClassName, flow.ErrorMessage)
	}
	if err := s.store.WriteUserNotification(ctx, n); err != nil {
		logger.Error("error writing notification", zap.String("flow_id", flow.FlowId), zap.String("creator", flow.Creator), zap.Error(err))
	}
}

func (s *FlowService) ReadNotifications(ctx context.Context, username string) ([]*model.UserNotification, error) {
	return s.store.ReadUserNotifications(ctx, username)
}
