package flow

import (
	"context"

	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

// relayToParent adds a terminating child's outcome to update: one data
// response per result and a status on the parent request that started it,
// plus the processing request that wakes the parent. The child's terminal
// record and the parent's responses commit together.
func (s *FlowService) relayToParent(ctx context.Context, child *model.Flow, update *model.FlowUpdate) error {
	fields := []zap.Field{zap.String("client_id", child.ClientId), zap.String("flow_id", child.FlowId), zap.String("parent_flow_id", child.ParentFlowId)}
	parent, err := s.store.ReadFlowObject(ctx, child.ClientId, child.ParentFlowId)
	if err != nil {
		if persistence.IsNotFound(err) {
			logger.Warn("child flow has no parent", fields...)
			return nil
		}
		return err
	}
	if parent.FlowState.IsTerminal() {
		logger.Debug("parent flow already terminated", fields...)
		return nil
	}
	rrs, err := s.store.ReadFlowRequestsAndResponses(ctx, parent.ClientId, parent.FlowId)
	if err != nil {
		return err
	}
	var request *model.Request
	for _, rr := range rrs {
		if rr.Request.RequestId == child.ParentRequestId {
			request = rr.Request
			break
		}
	}
	if request == nil {
		logger.Warn("parent request of child flow is gone", append(fields, zap.Uint64("request_id", child.ParentRequestId))...)
		return nil
	}
	results, err := s.store.ReadFlowResults(ctx, child.ClientId, child.FlowId, 0, 0)
	if err != nil {
		return err
	}

	now := s.clock()
	for i, result := range results {
		update.Responses = append(update.Responses, &model.Response{
			ClientId:   child.ClientId,
			FlowId:     child.ParentFlowId,
			RequestId:  child.ParentRequestId,
			ResponseId: uint64(i + 1),
			Type:       model.MESSAGE,
			Payload:    result.Payload,
			Timestamp:  now,
		})
	}
	status := &model.Status{
		Status:           model.STATUS_OK,
		CpuTimeUsed:      child.CpuTimeUsed,
		NetworkBytesSent: child.NetworkBytesSent,
		Runtime:          child.RuntimeUsed,
		ChildFlowId:      child.FlowId,
	}
	if child.FlowState != model.FINISHED {
		status.Status = model.STATUS_GENERIC_ERROR
		status.ErrorMessage = child.ErrorMessage
		status.Backtrace = child.Backtrace
	}
	update.Responses = append(update.Responses, &model.Response{
		ClientId:   child.ClientId,
		FlowId:     child.ParentFlowId,
		RequestId:  child.ParentRequestId,
		ResponseId: uint64(len(results) + 1),
		Type:       model.STATUS,
		Status:     status,
		Timestamp:  now,
	})
	update.ProcessingRequests = append(update.ProcessingRequests, s.processingRequest(parent, deliveryTime(now, request.StartTime), now))
	return nil
}
