package flow

import (
	"context"

	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

// ReceiveResponses stores replies and schedules processing for every request
// they make ready. Replies for unknown or terminated flows and for unknown
// requests are dropped.
func (s *FlowService) ReceiveResponses(ctx context.Context, responses []*model.Response) error {
	var order []string
	byFlow := make(map[string][]*model.Response)
	for _, r := range responses {
		key := model.FlowKey(r.ClientId, r.FlowId)
		if _, ok := byFlow[key]; !ok {
			order = append(order, key)
		}
		byFlow[key] = append(byFlow[key], r)
	}
	for _, key := range order {
		if err := s.receiveFlowResponses(ctx, byFlow[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FlowService) receiveFlowResponses(ctx context.Context, responses []*model.Response) error {
	clientId, flowId := responses[0].ClientId, responses[0].FlowId
	flow, err := s.store.ReadFlowObject(ctx, clientId, flowId)
	if err != nil {
		if persistence.IsNotFound(err) {
			logger.Warn("dropping responses for unknown flow", zap.String("client_id", clientId), zap.String("flow_id", flowId))
			return nil
		}
		return err
	}
	if flow.FlowState.IsTerminal() {
		logger.Debug("dropping responses for terminated flow", zap.String("client_id", clientId), zap.String("flow_id", flowId), zap.String("state", string(flow.FlowState)))
		return nil
	}

	rrs, err := s.store.ReadFlowRequestsAndResponses(ctx, clientId, flowId)
	if err != nil {
		return err
	}
	known := make(map[uint64]bool, len(rrs))
	for _, rr := range rrs {
		known[rr.Request.RequestId] = true
	}
	accepted := make([]*model.Response, 0, len(responses))
	touched := make(map[uint64]bool)
	for _, r := range responses {
		if !known[r.RequestId] {
			logger.Debug("dropping response for unknown request", zap.String("client_id", clientId), zap.String("flow_id", flowId), zap.Uint64("request_id", r.RequestId))
			continue
		}
		accepted = append(accepted, r)
		touched[r.RequestId] = true
	}
	if len(accepted) == 0 {
		return nil
	}
	if err := s.store.WriteFlowResponses(ctx, accepted); err != nil {
		return err
	}

	rrs, err = s.store.ReadFlowRequestsAndResponses(ctx, clientId, flowId)
	if err != nil {
		return err
	}
	now := s.clock()
	seen := make(map[int64]bool)
	var fprs []*model.FlowProcessingRequest
	for _, rr := range rrs {
		if !touched[rr.Request.RequestId] || !needsProcessing(rr) {
			continue
		}
		delivery := deliveryTime(now, rr.Request.StartTime)
		if seen[delivery.UnixNano()] {
			continue
		}
		seen[delivery.UnixNano()] = true
		fprs = append(fprs, s.processingRequest(flow, delivery, now))
	}
	if len(fprs) == 0 {
		return nil
	}
	return s.store.WriteFlowProcessingRequests(ctx, fprs)
}

// needsProcessing is true when a request can complete or has new responses
// for its callback state.
func needsProcessing(rr *model.RequestAndResponses) bool {
	if rr.IsComplete() {
		return true
	}
	if rr.Request.CallbackState == "" || rr.StatusResponse() != nil {
		return false
	}
	batch, _ := rr.IncrementalBatch()
	return len(batch) > 0
}
